package types

import "github.com/spacemeshos/go-scale"

// OnFee is the payload of the action crediting a collected transaction fee to the system account.
type OnFee struct {
	Payer Name  `json:"payer"`
	Fee   int64 `json:"fee"`
}

// EncodeScale implements scale codec interface.
func (f *OnFee) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := f.Payer.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, uint64(f.Fee))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (f *OnFee) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := f.Payer.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		f.Fee = int64(field)
	}
	return total, nil
}
