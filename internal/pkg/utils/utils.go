package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// GiB is one gibibyte; plan allowances are whole GiB.
const GiB = int64(1) << 30

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NormalizeDigits converts Persian and Arabic-Indic digits to ASCII.
func NormalizeDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '۰' && r <= '۹':
			b.WriteRune(r - '۰' + '0')
		case r >= '٠' && r <= '٩':
			b.WriteRune(r - '٠' + '0')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseAmount parses a user-typed amount such as "۲۰۰,۰۰۰" or "200 000".
func ParseAmount(s string) (int64, error) {
	s = NormalizeDigits(strings.TrimSpace(s))
	s = strings.NewReplacer(",", "", "_", "", " ", "", "٬", "").Replace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	return n, nil
}

// FormatNumber adds comma separators to a number.
func FormatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// FormatBytes renders a byte count with one decimal, e.g. "1.5 GB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(n)/math.Pow(1024, float64(i)), units[i])
}

// ProgressBar draws p (clamped to 0..1) as a bar of width cells.
func ProgressBar(p float64, width int) string {
	if width <= 0 {
		width = 20
	}
	p = math.Max(0, math.Min(1, p))
	filled := int(math.Round(p * float64(width)))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9\-]+`)

// SafeName derives a panel-friendly handle from a Telegram profile:
// the username when set, otherwise "first-last-id".
func SafeName(username, firstName, lastName string, id int64) string {
	if username != "" {
		return username
	}
	base := firstName
	if base == "" {
		base = "tg"
	}
	if lastName != "" {
		base += "-" + lastName
	}
	safe := strings.Trim(unsafeName.ReplaceAllString(base, "-"), "-")
	if safe == "" {
		safe = "tg"
	}
	return fmt.Sprintf("%s-%d", safe, id)
}

// ClientEmail builds a panel-unique client email from a handle and plan slug.
// The random suffix keeps repeat purchases from colliding on the panel.
func ClientEmail(handle, planID string) string {
	return fmt.Sprintf("%s-%s-%s@telegram", handle, planID, RandomHex(2))
}
