// Package format renders counts and sizes for the inspect and verify tables.
package format

import (
	"fmt"
	"strconv"
)

type unit struct {
	size   float64
	suffix string
}

var (
	numberUnits = []unit{{1e12, "T"}, {1e9, "B"}, {1e6, "M"}, {1e3, "K"}}
	byteUnits   = []unit{{1e12, " TB"}, {1e9, " GB"}, {1e6, " MB"}, {1e3, " KB"}}
)

// HumanNumber abbreviates a parameter count to three significant digits,
// e.g. 65.5K or 7.00B.
func HumanNumber(n uint64) string {
	for _, u := range numberUnits {
		if f := float64(n); f >= u.size {
			return significant(f/u.size) + u.suffix
		}
	}
	return strconv.FormatUint(n, 10)
}

// HumanBytes formats b with decimal units and one decimal place.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if f := float64(b); f >= u.size {
			return fmt.Sprintf("%.1f%s", f/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

func significant(f float64) string {
	switch {
	case f >= 100:
		return fmt.Sprintf("%.0f", f)
	case f >= 10:
		return fmt.Sprintf("%.1f", f)
	default:
		return fmt.Sprintf("%.2f", f)
	}
}
