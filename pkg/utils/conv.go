package utils

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

func ParseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// ParseSeconds parses a decimal number of seconds such as "0.153".
func ParseSeconds(s string) (time.Duration, error) {
	val, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(val * float64(time.Second)), nil
}

// Preview shortens s to at most max runes for log lines.
func Preview(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
