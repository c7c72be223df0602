package types

import (
	"encoding/hex"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-trxexec/hash"
)

// Hash32Length is the expected length of the hash.
const Hash32Length = hash.Size

// Hash32 represents the 32-byte blake3 hash of arbitrary data.
type Hash32 [Hash32Length]byte

// CalcHash32 returns the blake3 sum of the given chunks as a Hash32.
func CalcHash32(chunks ...[]byte) Hash32 {
	return Hash32(hash.Sum(chunks...))
}

// Bytes gets the byte representation of the underlying hash.
func (h Hash32) Bytes() []byte { return h[:] }

// Empty returns true if the hash has no set bytes.
func (h Hash32) Empty() bool { return h == Hash32{} }

// Hex converts a hash to a hex string.
func (h Hash32) Hex() string { return hex.EncodeToString(h[:]) }

// String implements the stringer interface.
func (h Hash32) String() string { return h.Hex() }

// ShortString returns the first 5 characters of the hash, for logging purposes.
func (h Hash32) ShortString() string { return h.Hex()[:5] }

// MarshalText returns the hex representation of h.
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText parses a hash in hex syntax.
func (h *Hash32) UnmarshalText(input []byte) error {
	if hex.DecodedLen(len(input)) != Hash32Length {
		return fmt.Errorf("hash32: invalid length %d", len(input))
	}
	_, err := hex.Decode(h[:], input)
	return err
}

// EncodeScale implements scale codec interface.
func (h *Hash32) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, h[:])
}

// DecodeScale implements scale codec interface.
func (h *Hash32) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, h[:])
}

// TransactionID is a 32-byte blake3 sum of the canonical transaction encoding.
type TransactionID Hash32

// Hash32 returns the TransactionID as a Hash32.
func (id TransactionID) Hash32() Hash32 { return Hash32(id) }

// Bytes returns the TransactionID as a byte slice.
func (id TransactionID) Bytes() []byte { return id[:] }

// String returns a hexadecimal representation of the TransactionID.
func (id TransactionID) String() string { return id.Hash32().String() }

// ShortString returns the first 5 characters of the ID, for logging purposes.
func (id TransactionID) ShortString() string { return id.Hash32().ShortString() }

// MarshalText implements encoding.TextMarshaler.
func (id TransactionID) MarshalText() ([]byte, error) { return id.Hash32().MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TransactionID) UnmarshalText(input []byte) error { return (*Hash32)(id).UnmarshalText(input) }

// EncodeScale implements scale codec interface.
func (id *TransactionID) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, id[:])
}

// DecodeScale implements scale codec interface.
func (id *TransactionID) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, id[:])
}
