package common

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

// Colorize wraps s in color unless color is disabled.
func Colorize(enabled bool, color string, s string) string {
	if !enabled {
		return s
	}
	return color + s + ColorReset
}

// ParseAddress accepts 0x-prefixed hex, bare hex or a decimal with a "#"
// prefix, the forms the CLI takes for guest addresses.
func ParseAddress(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 16
	switch {
	case strings.HasPrefix(s, "#"):
		s, base = s[1:], 10
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

func Hex32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}
