// Package partnum provides the canonical part-number normalization used
// everywhere two part numbers are compared. Vendors format the same part
// wildly differently ("AB-1020", "ab 1020", `AB"1020"`), so lookups against
// inventory always go through Normalize and the resolved part id is cached on
// the line item afterwards.
package partnum

import "strings"

// Normalize uppercases the part number and strips dashes, whitespace and
// quote characters. An empty result means the input carried no usable part
// number at all.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		switch r {
		case '-', ' ', '\t', '"', '\'':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Equal reports whether two raw part numbers refer to the same part.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
