package validation

import (
	"strings"
	"testing"
)

func TestValidUsername_Valid(t *testing.T) {
	valids := []string{
		"ab",
		"admin",
		"relay-ops",
		"j.doe",
		"user_2",
		"a" + strings.Repeat("b", 30) + "c", // 32 chars
	}
	for _, v := range valids {
		if !ValidUsername(v) {
			t.Fatalf("expected valid: %q", v)
		}
	}
}

func TestValidUsername_Invalid(t *testing.T) {
	invalids := []string{
		"",                           // empty
		"a",                          // too short
		"Admin",                      // uppercase
		"user name",                  // space
		".dot",                       // starts with non-alnum
		"trail.",                     // ends with non-alnum
		"a@b",                        // "@": not an email
		"a:b",                        // ":"
		"a" + strings.Repeat("b", 32), // 33 chars
	}
	for _, v := range invalids {
		if ValidUsername(v) {
			t.Fatalf("expected invalid: %q", v)
		}
	}
}
