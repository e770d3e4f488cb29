package tileserver

import (
	"strconv"
	"strings"
)

// ParsedSuffix is the result of parsing a "y" path segment's suffix
// grammar: y(@scale x)?(.ext)?, e.g. "123@2x.jpeg", "123.jpeg", "123".
type ParsedSuffix struct {
	Y     uint32
	Scale float64
	Ext   string // empty means unspecified; caller applies the default.
}

// ParseYSuffix parses the grammar literally, including its edge cases:
// "@2x." (empty extension after the dot) and "@2xfoo" (trailing garbage
// with no dot) are both rejected.
func ParseYSuffix(input string) (ParsedSuffix, bool) {
	yPart := input
	scale := 1.0
	ext := ""

	if left, right, ok := strings.Cut(input, "@"); ok {
		yPart = left

		scaleStr, rest, ok := strings.Cut(right, "x")
		if !ok {
			return ParsedSuffix{}, false
		}

		parsed, err := strconv.ParseFloat(scaleStr, 64)
		if err != nil {
			return ParsedSuffix{}, false
		}
		scale = parsed

		if after, ok := strings.CutPrefix(rest, "."); ok {
			if after == "" {
				return ParsedSuffix{}, false
			}
			ext = after
		} else if rest != "" {
			return ParsedSuffix{}, false
		}
	} else if left, right, ok := strings.Cut(input, "."); ok {
		yPart = left
		if right == "" {
			return ParsedSuffix{}, false
		}
		ext = right
	}

	y, err := strconv.ParseUint(yPart, 10, 32)
	if err != nil {
		return ParsedSuffix{}, false
	}

	return ParsedSuffix{Y: uint32(y), Scale: scale, Ext: ext}, true
}
