package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret", "") {
		t.Fatalf("expected empty hash to never match")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     error
	}{
		{name: "valid", password: "Str0ng#Password!", want: nil},
		{name: "short", password: "short1!A", want: ErrPasswordTooShort},
		{name: "no upper", password: "alllowercase123!", want: ErrPasswordNeedsUpper},
		{name: "no lower", password: "ALLUPPERCASE123!", want: ErrPasswordNeedsLower},
		{name: "no digit", password: "NoDigitsHere!!!", want: ErrPasswordNeedsDigit},
		{name: "no special", password: "NoSpecials1234", want: ErrPasswordNeedsSpecial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ValidatePassword(%q) = %v, want %v", tt.password, err, tt.want)
			}
		})
	}
}
