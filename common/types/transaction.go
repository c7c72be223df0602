package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxActions limits the number of actions and context free actions in a transaction.
	MaxActions = 1024
	// MaxExtensions limits the number of extensions in a transaction.
	MaxExtensions = 16
	// MaxExtensionSize limits the size of an extension payload.
	MaxExtensionSize = 1 << 16
)

// Extension is an optional typed payload attached to a transaction.
type Extension struct {
	Type uint16 `json:"type"`
	Data []byte `json:"data"`
}

// EncodeScale implements scale codec interface.
func (e *Extension) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact16(enc, e.Type)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, e.Data, MaxExtensionSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (e *Extension) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeCompact16(dec)
		if err != nil {
			return total, err
		}
		total += n
		e.Type = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxExtensionSize)
		if err != nil {
			return total, err
		}
		total += n
		e.Data = field
	}
	return total, nil
}

// Transaction is the unsigned body of a transaction.
type Transaction struct {
	// Expiration in seconds since unix epoch.
	Expiration       uint32 `json:"expiration"`
	RefBlockNum      uint16 `json:"ref_block_num"`
	RefBlockPrefix   uint32 `json:"ref_block_prefix"`
	MaxNetUsageWords uint32 `json:"max_net_usage_words"`
	MaxCPUUsageMS    uint8  `json:"max_cpu_usage_ms"`
	DelaySec         uint32 `json:"delay_sec"`

	ContextFreeActions []Action    `json:"context_free_actions"`
	Actions            []Action    `json:"actions"`
	Extensions         []Extension `json:"transaction_extensions"`
}

// ID computes blake3 sum of the canonical encoding.
// Fails if the transaction exceeds encoding limits.
func (t *Transaction) ID() (TransactionID, error) {
	var b bytes.Buffer
	if _, err := t.EncodeScale(scale.NewEncoder(&b)); err != nil {
		return TransactionID{}, fmt.Errorf("encode transaction: %w", err)
	}
	return TransactionID(CalcHash32(b.Bytes())), nil
}

// ExpirationTime returns expiration as time.Time.
func (t *Transaction) ExpirationTime() time.Time {
	return time.Unix(int64(t.Expiration), 0).UTC()
}

// Delay returns requested delay.
func (t *Transaction) Delay() time.Duration {
	return time.Duration(t.DelaySec) * time.Second
}

// FirstAuthorizer returns the actor of the first authorization of the first action
// that has any authorization. Returns empty name if there are no authorizations.
func (t *Transaction) FirstAuthorizer() Name {
	for i := range t.Actions {
		if len(t.Actions[i].Authorization) > 0 {
			return t.Actions[i].Authorization[0].Actor
		}
	}
	return 0
}

// TotalActions returns the number of actions including context free actions.
func (t *Transaction) TotalActions() int {
	return len(t.ContextFreeActions) + len(t.Actions)
}

// MarshalLogObject implements logging interface.
func (t *Transaction) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddUint32("expiration", t.Expiration)
	encoder.AddUint32("max_net_usage_words", t.MaxNetUsageWords)
	encoder.AddUint8("max_cpu_usage_ms", t.MaxCPUUsageMS)
	encoder.AddUint32("delay_sec", t.DelaySec)
	encoder.AddInt("context_free_actions", len(t.ContextFreeActions))
	encoder.AddInt("actions", len(t.Actions))
	encoder.AddInt("extensions", len(t.Extensions))
	return nil
}

// EncodeScale implements scale codec interface.
func (t *Transaction) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact32(enc, t.Expiration)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact16(enc, t.RefBlockNum)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, t.RefBlockPrefix)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, t.MaxNetUsageWords)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact8(enc, t.MaxCPUUsageMS)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, t.DelaySec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, t.ContextFreeActions, MaxActions)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, t.Actions, MaxActions)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, t.Extensions, MaxExtensions)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (t *Transaction) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.Expiration = field
	}
	{
		field, n, err := scale.DecodeCompact16(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.RefBlockNum = field
	}
	{
		field, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.RefBlockPrefix = field
	}
	{
		field, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.MaxNetUsageWords = field
	}
	{
		field, n, err := scale.DecodeCompact8(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.MaxCPUUsageMS = field
	}
	{
		field, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		t.DelaySec = field
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[Action](dec, MaxActions)
		if err != nil {
			return total, err
		}
		total += n
		t.ContextFreeActions = field
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[Action](dec, MaxActions)
		if err != nil {
			return total, err
		}
		total += n
		t.Actions = field
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[Extension](dec, MaxExtensions)
		if err != nil {
			return total, err
		}
		total += n
		t.Extensions = field
	}
	return total, nil
}

// SignedTransaction is a transaction with its prunable context free data.
// Signatures are verified upstream and not carried here.
type SignedTransaction struct {
	Transaction
	ContextFreeData [][]byte `json:"context_free_data"`
}

// PackedSizes returns sizes of the unprunable (transaction body) and prunable
// (context free data) parts of the canonical encoding.
func (t *SignedTransaction) PackedSizes() (unprunable, prunable uint64, err error) {
	var counter countingWriter
	enc := scale.NewEncoder(&counter)
	if _, err := t.Transaction.EncodeScale(enc); err != nil {
		return 0, 0, fmt.Errorf("encode transaction: %w", err)
	}
	unprunable = uint64(counter)
	counter = 0
	if _, err := scale.EncodeCompact32(enc, uint32(len(t.ContextFreeData))); err != nil {
		return 0, 0, err
	}
	for _, data := range t.ContextFreeData {
		if _, err := scale.EncodeByteSliceWithLimit(enc, data, MaxActionDataSize); err != nil {
			return 0, 0, fmt.Errorf("encode context free data: %w", err)
		}
	}
	prunable = uint64(counter)
	return unprunable, prunable, nil
}

type countingWriter int

func (w *countingWriter) Write(p []byte) (int, error) {
	*w += countingWriter(len(p))
	return len(p), nil
}
