package utils

import (
	"regexp"
	"strings"
	"testing"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		name                  string
		username, first, last string
		id                    int64
		want                  string
	}{
		{"username", "neo", "Thomas", "Anderson", 1, "neo"},
		{"first and last", "", "Thomas", "Anderson", 42, "Thomas-Anderson-42"},
		{"non latin", "", "علی", "", 7, "tg-7"},
		{"mixed", "", "Jo hn!", "", 9, "Jo-hn-9"},
		{"empty", "", "", "", 3, "tg-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeName(tt.username, tt.first, tt.last, tt.id); got != tt.want {
				t.Errorf("SafeName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientEmailIsUnique(t *testing.T) {
	re := regexp.MustCompile(`^neo-vol_lite-[0-9a-f]{4}@telegram$`)
	a, b := ClientEmail("neo", "vol_lite"), ClientEmail("neo", "vol_lite")
	if !re.MatchString(a) {
		t.Fatalf("ClientEmail() = %q", a)
	}
	// 1 in 65536 chance of a false failure
	if a == b {
		t.Fatalf("two emails collided: %q", a)
	}
}

func TestParseAmount(t *testing.T) {
	for in, want := range map[string]int64{"200000": 200000, "۲۰۰,۰۰۰": 200000, " 50 000 ": 50000} {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Errorf("ParseAmount(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "abc", "-5", "0"} {
		if _, err := ParseAmount(in); err == nil {
			t.Errorf("ParseAmount(%q) expected error", in)
		}
	}
}

func TestFormatting(t *testing.T) {
	if got := FormatNumber(1234567); got != "1,234,567" {
		t.Errorf("FormatNumber() = %q", got)
	}
	if got := FormatNumber(-950); got != "-950" {
		t.Errorf("FormatNumber(-950) = %q", got)
	}
	if got := FormatBytes(3 * GiB / 2); got != "1.5 GB" {
		t.Errorf("FormatBytes() = %q", got)
	}
	if got := FormatBytes(0); got != "0 B" {
		t.Errorf("FormatBytes(0) = %q", got)
	}
	bar := ProgressBar(0.5, 10)
	if strings.Count(bar, "█") != 5 || strings.Count(bar, "░") != 5 {
		t.Errorf("ProgressBar() = %q", bar)
	}
	if got := ProgressBar(3, 4); got != "████" {
		t.Errorf("ProgressBar(3) = %q", got)
	}
}
