package devicestore

import (
	"context"
	"strings"
)

const DefaultLanguage = "de"

// SupportedLanguages lists the UI languages; the first is the default.
var SupportedLanguages = []string{"de", "en"}

// Language returns the stored language preference. Unknown or missing values
// fall back to DefaultLanguage; regional tags like "en-GB" map to their base.
func Language(ctx context.Context, kv KV) (string, error) {
	raw, ok, err := kv.Get(ctx, KeyLanguage)
	if err != nil || !ok {
		return DefaultLanguage, err
	}
	if lang, ok := normalizeLanguage(raw); ok {
		return lang, nil
	}
	return DefaultLanguage, nil
}

// SetLanguage stores a supported language and returns the normalized code.
func SetLanguage(ctx context.Context, kv KV, lang string) (string, bool, error) {
	norm, ok := normalizeLanguage(lang)
	if !ok {
		return "", false, nil
	}
	return norm, true, kv.Set(ctx, KeyLanguage, norm)
}

func normalizeLanguage(raw string) (string, bool) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "-")
	base, _, _ = strings.Cut(base, "_")
	for _, l := range SupportedLanguages {
		if l == base {
			return l, true
		}
	}
	return "", false
}
