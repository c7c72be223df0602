package native

import (
	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-trxexec/common/types"
)

// MaxMemoSize limits memo of the token transfer.
const MaxMemoSize = 256

// NewAccount creates account with active permission.
type NewAccount struct {
	Creator types.Name
	Name    types.Name
}

// SetLimits overwrites resource limits of the account.
type SetLimits struct {
	Account types.Name
	Limits  types.ResourceLimits
}

// SetFee overwrites fee schedule of the action.
type SetFee struct {
	Account  types.Name
	Action   types.Name
	Fee      int64
	CPULimit int64
	NetLimit int64
}

// SetStatic registers actions of a static account.
type SetStatic struct {
	Account types.Name
	Actions []types.Name
}

// Issue creates new tokens for the recipient.
type Issue struct {
	To       types.Name
	Quantity uint64
	Memo     string
}

// Transfer moves tokens between accounts.
type Transfer struct {
	From     types.Name
	To       types.Name
	Quantity uint64
	Memo     string
}

// Balance is a token balance row.
type Balance struct {
	Amount uint64
}

func encodeNames(enc *scale.Encoder, total *int, names ...*types.Name) error {
	for _, name := range names {
		n, err := name.EncodeScale(enc)
		if err != nil {
			return err
		}
		*total += n
	}
	return nil
}

func decodeNames(dec *scale.Decoder, total *int, names ...*types.Name) error {
	for _, name := range names {
		n, err := name.DecodeScale(dec)
		if err != nil {
			return err
		}
		*total += n
	}
	return nil
}

func encodeInts(enc *scale.Encoder, total *int, values ...int64) error {
	for _, value := range values {
		n, err := scale.EncodeCompact64(enc, uint64(value))
		if err != nil {
			return err
		}
		*total += n
	}
	return nil
}

func decodeInts(dec *scale.Decoder, total *int, values ...*int64) error {
	for _, value := range values {
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return err
		}
		*total += n
		*value = int64(field)
	}
	return nil
}

func encodeMemo(enc *scale.Encoder, total *int, memo string) error {
	n, err := scale.EncodeByteSliceWithLimit(enc, []byte(memo), MaxMemoSize)
	if err != nil {
		return err
	}
	*total += n
	return nil
}

func decodeMemo(dec *scale.Decoder, total *int) (string, error) {
	field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxMemoSize)
	if err != nil {
		return "", err
	}
	*total += n
	return string(field), nil
}

// EncodeScale implements scale codec interface.
func (a *NewAccount) EncodeScale(enc *scale.Encoder) (total int, err error) {
	err = encodeNames(enc, &total, &a.Creator, &a.Name)
	return total, err
}

// DecodeScale implements scale codec interface.
func (a *NewAccount) DecodeScale(dec *scale.Decoder) (total int, err error) {
	err = decodeNames(dec, &total, &a.Creator, &a.Name)
	return total, err
}

// EncodeScale implements scale codec interface.
func (s *SetLimits) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if err := encodeNames(enc, &total, &s.Account); err != nil {
		return total, err
	}
	// limits are -1 when unlimited, shifted to keep compact encoding small
	err = encodeInts(enc, &total, s.Limits.NetWeight+1, s.Limits.CPUWeight+1, s.Limits.RAMBytes+1)
	return total, err
}

// DecodeScale implements scale codec interface.
func (s *SetLimits) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if err := decodeNames(dec, &total, &s.Account); err != nil {
		return total, err
	}
	if err := decodeInts(dec, &total, &s.Limits.NetWeight, &s.Limits.CPUWeight, &s.Limits.RAMBytes); err != nil {
		return total, err
	}
	s.Limits.NetWeight--
	s.Limits.CPUWeight--
	s.Limits.RAMBytes--
	return total, nil
}

// EncodeScale implements scale codec interface.
func (s *SetFee) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if err := encodeNames(enc, &total, &s.Account, &s.Action); err != nil {
		return total, err
	}
	err = encodeInts(enc, &total, s.Fee, s.CPULimit, s.NetLimit)
	return total, err
}

// DecodeScale implements scale codec interface.
func (s *SetFee) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if err := decodeNames(dec, &total, &s.Account, &s.Action); err != nil {
		return total, err
	}
	err = decodeInts(dec, &total, &s.Fee, &s.CPULimit, &s.NetLimit)
	return total, err
}

// EncodeScale implements scale codec interface.
func (s *SetStatic) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if err := encodeNames(enc, &total, &s.Account); err != nil {
		return total, err
	}
	n, err := scale.EncodeStructSliceWithLimit(enc, s.Actions, 64)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// DecodeScale implements scale codec interface.
func (s *SetStatic) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if err := decodeNames(dec, &total, &s.Account); err != nil {
		return total, err
	}
	field, n, err := scale.DecodeStructSliceWithLimit[types.Name](dec, 64)
	if err != nil {
		return total, err
	}
	s.Actions = field
	return total + n, nil
}

// EncodeScale implements scale codec interface.
func (i *Issue) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if err := encodeNames(enc, &total, &i.To); err != nil {
		return total, err
	}
	if err := encodeInts(enc, &total, int64(i.Quantity)); err != nil {
		return total, err
	}
	err = encodeMemo(enc, &total, i.Memo)
	return total, err
}

// DecodeScale implements scale codec interface.
func (i *Issue) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if err := decodeNames(dec, &total, &i.To); err != nil {
		return total, err
	}
	var quantity int64
	if err := decodeInts(dec, &total, &quantity); err != nil {
		return total, err
	}
	i.Quantity = uint64(quantity)
	i.Memo, err = decodeMemo(dec, &total)
	return total, err
}

// EncodeScale implements scale codec interface.
func (t *Transfer) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if err := encodeNames(enc, &total, &t.From, &t.To); err != nil {
		return total, err
	}
	if err := encodeInts(enc, &total, int64(t.Quantity)); err != nil {
		return total, err
	}
	err = encodeMemo(enc, &total, t.Memo)
	return total, err
}

// DecodeScale implements scale codec interface.
func (t *Transfer) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if err := decodeNames(dec, &total, &t.From, &t.To); err != nil {
		return total, err
	}
	var quantity int64
	if err := decodeInts(dec, &total, &quantity); err != nil {
		return total, err
	}
	t.Quantity = uint64(quantity)
	t.Memo, err = decodeMemo(dec, &total)
	return total, err
}

// EncodeScale implements scale codec interface.
func (b *Balance) EncodeScale(enc *scale.Encoder) (total int, err error) {
	err = encodeInts(enc, &total, int64(b.Amount))
	return total, err
}

// DecodeScale implements scale codec interface.
func (b *Balance) DecodeScale(dec *scale.Decoder) (total int, err error) {
	var amount int64
	err = decodeInts(dec, &total, &amount)
	b.Amount = uint64(amount)
	return total, err
}
