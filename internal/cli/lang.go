package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"whatsgonow/pkg/devicestore"
)

func newLangCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "lang [code]",
		Short: "Show or set the interface language",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				lang, err := devicestore.Language(ctx, e.kv)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, lang)
				return nil
			}
			lang, ok, err := devicestore.SetLanguage(ctx, e.kv, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("unsupported language %q (supported: %s)", args[0], strings.Join(devicestore.SupportedLanguages, ", "))
			}
			fmt.Fprintln(out, lang)
			return nil
		},
	}
}
