// Package version implements the firmware version guard. Versions are
// strict MAJOR.MINOR.PATCH triples compared numerically per component.
// Anything that does not parse is treated as a downgrade by callers, so
// a corrupt header can never authorize an update.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLen is the wire limit for version strings (char[16], NUL padded).
const MaxLen = 16

// ErrMalformedVersion is returned when a string is not three dot-separated
// non-negative integers.
var ErrMalformedVersion = errors.New("malformed version string")

// Version is a parsed MAJOR.MINOR.PATCH triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse parses a strict "MAJOR.MINOR.PATCH" string. Leading "v", missing
// components, pre-release suffixes and negative numbers are all rejected.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}

	nums := make([]int, 3)
	for i, part := range parts {
		if part == "" {
			return Version{}, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String renders the triple back to "MAJOR.MINOR.PATCH".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 when a is less than, equal to or greater
// than b. Comparison is numeric per component: 1.0.9 < 1.1.0.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Cmp(vb), nil
}

// Cmp compares two parsed versions.
func (v Version) Cmp(o Version) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	return sign(v.Patch - o.Patch)
}

// IsDowngrade reports whether installing candidate over current would move
// a node backwards. Equal versions are not a downgrade (re-flash is
// allowed). Fail-safe: if either string is malformed the answer is true.
func IsDowngrade(candidate, current string) bool {
	cmp, err := Compare(candidate, current)
	if err != nil {
		return true
	}
	return cmp < 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
