package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateArchiveName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"nightly-2026-07-29", false},
		{"", true},
		{strings.Repeat("a", 256), true},
		{strings.Repeat("a", 255), false},
		{"bad\x00name", true},
		{".", true},
		{"..", true},
	}
	for _, tc := range cases {
		err := ValidateArchiveName(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateArchiveName(%q) = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
		if tc.wantErr && err != nil && !errors.Is(err, ErrInvalidArchive) {
			t.Errorf("ValidateArchiveName(%q): error %v does not wrap ErrInvalidArchive", tc.name, err)
		}
	}
}

func TestValidateAddr(t *testing.T) {
	if err := ValidateAddr(""); !errors.Is(err, ErrInvalidAddr) {
		t.Fatalf("empty address: got %v, want ErrInvalidAddr", err)
	}
	if err := ValidateAddr("not a valid address::"); err == nil {
		t.Fatal("malformed address should be rejected")
	}
	if err := ValidateAddr("example.com:9279"); err != nil {
		t.Fatalf("well-formed host:port rejected: %v", err)
	}
}

func TestValidateRangeInt(t *testing.T) {
	if err := ValidateRangeInt(5, 0, 10); err != nil {
		t.Fatalf("in-range value rejected: %v", err)
	}
	if err := ValidateRangeInt(-1, 0, 10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("below-range value: got %v, want ErrOutOfRange", err)
	}
	if err := ValidateRangeInt(11, 0, 10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("above-range value: got %v, want ErrOutOfRange", err)
	}
}

func TestValidateStringNonEmpty(t *testing.T) {
	if err := ValidateStringNonEmpty(""); !errors.Is(err, ErrEmptyString) {
		t.Fatalf("empty string: got %v, want ErrEmptyString", err)
	}
	if err := ValidateStringNonEmpty("tarsnap-user"); err != nil {
		t.Fatalf("non-empty string rejected: %v", err)
	}
}

func TestValidateFilePath(t *testing.T) {
	if err := ValidateFilePath("", false); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("empty path: got %v, want ErrInvalidPath", err)
	}
	if err := ValidateFilePath("/no/such/path/tarsnap-test", true); !errors.Is(err, ErrPathNotExists) {
		t.Fatalf("missing required path: got %v, want ErrPathNotExists", err)
	}
	if err := ValidateFilePath("/no/such/path/tarsnap-test", false); err != nil {
		t.Fatalf("non-existent path without mustExist rejected: %v", err)
	}
}
