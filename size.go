package blkmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sizes are binary so that suffixed sizes stay block aligned.
const (
	kilo = 1024
	mega = kilo * 1024
	giga = mega * 1024
	tera = giga * 1024
	peta = tera * 1024
)

var sizeSuffix = map[string]uint64{
	"k": kilo,
	"K": kilo,
	"m": mega,
	"M": mega,
	"g": giga,
	"G": giga,
	"t": tera,
	"T": tera,
	"p": peta,
	"P": peta,
}

// ParseSize reads a byte count written as a decimal number, a 0x prefixed
// hex number, or a decimal number with a k/M/G/T/P suffix.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrapf(ErrInvalidArgument, "empty size")
	}

	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing size %q", s)
		}
		return v, nil
	}

	factor := uint64(1)

	suf := s[len(s)-1:]
	if f, ok := sizeSuffix[suf]; ok {
		factor = f
		s = s[:len(s)-1]
	}

	base, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size")
	}

	return base * factor, nil
}

func NiceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}
