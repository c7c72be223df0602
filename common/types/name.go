package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/spacemeshos/go-scale"
)

const (
	// NameMaxLength is the number of characters that fit into a Name.
	NameMaxLength = 13

	nameCharmap = ".12345abcdefghijklmnopqrstuvwxyz"
)

// ErrInvalidName is returned when a string can't be represented as a Name.
var ErrInvalidName = errors.New("invalid name")

// Name is a 64-bit base32 encoded identifier used for accounts, permissions and actions.
// First 12 characters take 5 bits each, the 13th character takes the remaining 4 bits.
type Name uint64

func charToSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	}
	return 0, false
}

// NewName parses a Name from its string representation.
func NewName(s string) (Name, error) {
	if len(s) > NameMaxLength {
		return 0, fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, s, NameMaxLength)
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		sym, ok := charToSymbol(s[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q has unsupported character %q", ErrInvalidName, s, s[i])
		}
		if i < NameMaxLength-1 {
			n |= (sym & 0x1f) << (64 - 5*(i+1))
			continue
		}
		if sym > 0x0f {
			return 0, fmt.Errorf("%w: thirteenth character of %q must be one of [.1-5a-j]", ErrInvalidName, s)
		}
		n |= sym
	}
	rst := Name(n)
	if rst.String() != strings.TrimRight(s, ".") {
		return 0, fmt.Errorf("%w: %q is not in canonical form", ErrInvalidName, s)
	}
	return rst, nil
}

// MustName parses a Name and panics if it is invalid. Meant for constants and tests.
func MustName(s string) Name {
	n, err := NewName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the base32 form of the name with trailing dots trimmed.
func (n Name) String() string {
	var buf [NameMaxLength]byte
	tmp := uint64(n)
	for i := 0; i < NameMaxLength; i++ {
		if i == 0 {
			buf[NameMaxLength-1] = nameCharmap[tmp&0x0f]
			tmp >>= 4
			continue
		}
		buf[NameMaxLength-1-i] = nameCharmap[tmp&0x1f]
		tmp >>= 5
	}
	return strings.TrimRight(string(buf[:]), ".")
}

// Empty returns true for the zero name.
func (n Name) Empty() bool {
	return n == 0
}

// MarshalText implements encoding.TextMarshaler.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := NewName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// EncodeScale implements scale codec interface. Names are encoded as fixed 8 bytes little endian.
func (n *Name) EncodeScale(e *scale.Encoder) (int, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(*n))
	return scale.EncodeByteArray(e, buf[:])
}

// DecodeScale implements scale codec interface.
func (n *Name) DecodeScale(d *scale.Decoder) (int, error) {
	var buf [8]byte
	total, err := scale.DecodeByteArray(d, buf[:])
	if err != nil {
		return total, err
	}
	*n = Name(binary.LittleEndian.Uint64(buf[:]))
	return total, nil
}
