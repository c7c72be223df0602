package types

import (
	"bytes"
	"fmt"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxActionDataSize limits the size of the action payload in canonical encoding.
	MaxActionDataSize = 1 << 20
	// MaxAuthorizations limits the number of authorizations attached to a single action.
	MaxAuthorizations = 64
)

// PermissionLevel is a pair of actor and one of its permissions.
type PermissionLevel struct {
	Actor      Name `json:"actor"`
	Permission Name `json:"permission"`
}

// String returns actor@permission.
func (p PermissionLevel) String() string {
	return p.Actor.String() + "@" + p.Permission.String()
}

// EncodeScale implements scale codec interface.
func (p *PermissionLevel) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := p.Actor.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := p.Permission.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (p *PermissionLevel) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := p.Actor.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := p.Permission.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Action is a request to the contract deployed on Account to run the handler Name with Data.
type Action struct {
	Account       Name              `json:"account"`
	Name          Name              `json:"name"`
	Authorization []PermissionLevel `json:"authorization"`
	Data          []byte            `json:"data"`
}

// Digest returns blake3 sum of the canonical encoding of the action.
func (a *Action) Digest() Hash32 {
	var b bytes.Buffer
	if _, err := a.EncodeScale(scale.NewEncoder(&b)); err != nil {
		panic(fmt.Sprintf("encoding action %s::%s: %v", a.Account, a.Name, err))
	}
	return CalcHash32(b.Bytes())
}

// Clone returns a deep copy of the action.
func (a *Action) Clone() Action {
	cp := Action{Account: a.Account, Name: a.Name}
	if a.Authorization != nil {
		cp.Authorization = append([]PermissionLevel(nil), a.Authorization...)
	}
	if a.Data != nil {
		cp.Data = append([]byte(nil), a.Data...)
	}
	return cp
}

// MarshalLogObject implements logging interface.
func (a *Action) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("account", a.Account.String())
	encoder.AddString("name", a.Name.String())
	encoder.AddInt("authorizations", len(a.Authorization))
	encoder.AddInt("data", len(a.Data))
	return nil
}

// EncodeScale implements scale codec interface.
func (a *Action) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := a.Account.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := a.Name.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, a.Authorization, MaxAuthorizations)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, a.Data, MaxActionDataSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (a *Action) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := a.Account.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := a.Name.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[PermissionLevel](dec, MaxAuthorizations)
		if err != nil {
			return total, err
		}
		total += n
		a.Authorization = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxActionDataSize)
		if err != nil {
			return total, err
		}
		total += n
		a.Data = field
	}
	return total, nil
}
