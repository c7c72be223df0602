package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"
)

// AuthSequence is a per actor counter of authorized actions.
type AuthSequence struct {
	Account  Name   `json:"account"`
	Sequence uint64 `json:"sequence"`
}

// EncodeScale implements scale codec interface.
func (a *AuthSequence) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := a.Account.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, a.Sequence)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (a *AuthSequence) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := a.Account.DecodeScale(dec)
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
		a.Sequence = field
	}
	return total, nil
}

// ActionReceipt is an auditable record of a single executed action.
type ActionReceipt struct {
	Receiver       Name           `json:"receiver"`
	ActDigest      Hash32         `json:"act_digest"`
	ReturnDigest   Hash32         `json:"return_digest"`
	GlobalSequence uint64         `json:"global_sequence"`
	RecvSequence   uint64         `json:"recv_sequence"`
	AuthSequence   []AuthSequence `json:"auth_sequence"`
}

// Digest of the receipt canonical encoding.
func (r *ActionReceipt) Digest() Hash32 {
	var b bytes.Buffer
	if _, err := r.EncodeScale(scale.NewEncoder(&b)); err != nil {
		panic(fmt.Sprintf("encoding receipt for %s: %v", r.Receiver, err))
	}
	return CalcHash32(b.Bytes())
}

// MarshalLogObject implements logging interface.
func (r *ActionReceipt) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("receiver", r.Receiver.String())
	encoder.AddString("act_digest", r.ActDigest.ShortString())
	encoder.AddUint64("global_sequence", r.GlobalSequence)
	encoder.AddUint64("recv_sequence", r.RecvSequence)
	return nil
}

// EncodeScale implements scale codec interface.
func (r *ActionReceipt) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := r.Receiver.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.ActDigest.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.ReturnDigest.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, r.GlobalSequence)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, r.RecvSequence)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, r.AuthSequence, MaxAuthorizations)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (r *ActionReceipt) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := r.Receiver.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.ActDigest.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.ReturnDigest.DecodeScale(dec)
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
		r.GlobalSequence = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		r.RecvSequence = field
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[AuthSequence](dec, MaxAuthorizations)
		if err != nil {
			return total, err
		}
		total += n
		r.AuthSequence = field
	}
	return total, nil
}

// AccountDelta is a change of ram usage attributed to an account.
type AccountDelta struct {
	Account Name  `json:"account"`
	Delta   int64 `json:"delta"`
}

// ActionTrace is a single entry of the transaction execution trace. Ordinals are 1-based.
type ActionTrace struct {
	ActionOrdinal                          uint32 `json:"action_ordinal"`
	CreatorActionOrdinal                   uint32 `json:"creator_action_ordinal"`
	ClosestUnnotifiedAncestorActionOrdinal uint32 `json:"closest_unnotified_ancestor_action_ordinal"`

	Receiver    Name   `json:"receiver"`
	Act         Action `json:"act"`
	ContextFree bool   `json:"context_free"`

	Receipt          *ActionReceipt `json:"receipt,omitempty"`
	ReturnValue      []byte         `json:"return_value,omitempty"`
	Elapsed          time.Duration  `json:"elapsed"`
	AccountRAMDeltas []AccountDelta `json:"account_ram_deltas,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// MarshalLogObject implements logging interface.
func (t *ActionTrace) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddUint32("ordinal", t.ActionOrdinal)
	encoder.AddUint32("creator", t.CreatorActionOrdinal)
	encoder.AddUint32("closest_unnotified_ancestor", t.ClosestUnnotifiedAncestorActionOrdinal)
	encoder.AddString("receiver", t.Receiver.String())
	encoder.AddString("action", t.Act.Account.String()+"::"+t.Act.Name.String())
	encoder.AddBool("context_free", t.ContextFree)
	encoder.AddBool("executed", t.Receipt != nil)
	return nil
}

// TransactionTrace is the externally visible result of a transaction execution.
type TransactionTrace struct {
	ID              TransactionID `json:"id"`
	BlockNum        uint32        `json:"block_num"`
	BlockTime       time.Time     `json:"block_time"`
	Elapsed         time.Duration `json:"elapsed"`
	NetUsage        uint64        `json:"net_usage"`
	CPUUsageUS      uint64        `json:"cpu_usage_us"`
	Scheduled       bool          `json:"scheduled"`
	ActionTraces    []ActionTrace `json:"action_traces"`
	AccountRAMDelta *AccountDelta `json:"account_ram_delta,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// MarshalLogObject implements logging interface.
func (t *TransactionTrace) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("id", t.ID.ShortString())
	encoder.AddUint32("block", t.BlockNum)
	encoder.AddDuration("elapsed", t.Elapsed)
	encoder.AddUint64("net_usage", t.NetUsage)
	encoder.AddUint64("cpu_usage_us", t.CPUUsageUS)
	encoder.AddBool("scheduled", t.Scheduled)
	encoder.AddInt("actions", len(t.ActionTraces))
	return nil
}
