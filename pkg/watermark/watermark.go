// Package watermark provides the logical timestamp type shared by the upstream
// subscriptions and the downstream change stream.
//
// Internally a Watermark is an arbitrary-precision non-negative integer. The
// string form produced by Encode sorts byte-wise in the same order as the
// numbers it encodes, which is what the downstream protocol compares on.
package watermark

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	base = 36
	// maxDigits is the longest digit string a single base-36 length digit can describe.
	maxDigits = base
)

var (
	// ErrMalformed is returned when a string cannot be decoded or parsed into a Watermark.
	ErrMalformed = errors.New("malformed watermark")
	// ErrUnset is returned when encoding the Min watermark.
	ErrUnset = errors.New("watermark is unset")
	// ErrOutOfRange is returned when a watermark is too large for the encoding.
	ErrOutOfRange = errors.New("watermark out of range")
)

// Watermark is an immutable point in upstream logical time.
// The zero value is Min, which sorts before every other watermark.
type Watermark struct {
	v *big.Int
}

// Min is negative infinity: no progress has been observed.
var Min = Watermark{}

// New returns the watermark for a native timestamp.
func New(ts uint64) Watermark {
	return Watermark{v: new(big.Int).SetUint64(ts)}
}

// FromBig returns a watermark holding a copy of v. Negative values are rejected.
func FromBig(v *big.Int) (Watermark, error) {
	if v == nil {
		return Min, nil
	}
	if v.Sign() < 0 {
		return Min, fmt.Errorf("%w: negative value %s", ErrMalformed, v.String())
	}
	return Watermark{v: new(big.Int).Set(v)}, nil
}

// Parse reads a base-10 timestamp as reported by the upstream source.
// Surrounding JSON quotes are tolerated since numeric columns may arrive as strings.
func Parse(s string) (Watermark, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return Min, fmt.Errorf("%w: empty timestamp", ErrMalformed)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Min, fmt.Errorf("%w: %q is not a decimal timestamp", ErrMalformed, s)
	}
	return FromBig(v)
}

// IsMin reports whether w is the unset watermark.
func (w Watermark) IsMin() bool {
	return w.v == nil
}

// Cmp compares two watermarks, treating Min as smaller than everything else.
func (w Watermark) Cmp(o Watermark) int {
	switch {
	case w.v == nil && o.v == nil:
		return 0
	case w.v == nil:
		return -1
	case o.v == nil:
		return 1
	}
	return w.v.Cmp(o.v)
}

// Less reports whether w sorts strictly before o.
func (w Watermark) Less(o Watermark) bool {
	return w.Cmp(o) < 0
}

// Pred returns w-1. The predecessor of 0 and of Min is Min.
func (w Watermark) Pred() Watermark {
	if w.v == nil || w.v.Sign() == 0 {
		return Min
	}
	return Watermark{v: new(big.Int).Sub(w.v, big.NewInt(1))}
}

// Big returns a copy of the underlying integer, or nil for Min.
func (w Watermark) Big() *big.Int {
	if w.v == nil {
		return nil
	}
	return new(big.Int).Set(w.v)
}

// String returns the decimal form, or "-inf" for Min.
func (w Watermark) String() string {
	if w.v == nil {
		return "-inf"
	}
	return w.v.String()
}

// Encode returns the lexicographically ordered form of w: one base-36 digit
// holding the digit count minus one, followed by the base-36 digits.
func Encode(w Watermark) (string, error) {
	if w.v == nil {
		return "", ErrUnset
	}
	digits := w.v.Text(base)
	if len(digits) > maxDigits {
		return "", fmt.Errorf("%w: %d base-36 digits", ErrOutOfRange, len(digits))
	}
	return strconv.FormatInt(int64(len(digits)-1), base) + digits, nil
}

// Decode is the inverse of Encode.
func Decode(s string) (Watermark, error) {
	if len(s) < 2 {
		return Min, fmt.Errorf("%w: %q is too short", ErrMalformed, s)
	}
	for _, r := range s {
		if !isDigit36(r) {
			return Min, fmt.Errorf("%w: %q contains non base-36 character %q", ErrMalformed, s, r)
		}
	}
	n, err := strconv.ParseInt(s[:1], base, 64)
	if err != nil {
		return Min, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	digits := s[1:]
	if int(n)+1 != len(digits) {
		return Min, fmt.Errorf("%w: %q declares %d digits, has %d", ErrMalformed, s, n+1, len(digits))
	}
	if len(digits) > 1 && digits[0] == '0' {
		return Min, fmt.Errorf("%w: %q has leading zeros", ErrMalformed, s)
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return Min, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Watermark{v: v}, nil
}

func isDigit36(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')
}
