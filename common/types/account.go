package types

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Account is the ledger record of a named account.
type Account struct {
	Name         Name
	Created      time.Time
	Privileged   bool
	RecvSequence uint64
	AuthSequence uint64
}

// MarshalLogObject implements logging interface.
func (a *Account) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("name", a.Name.String())
	encoder.AddTime("created", a.Created)
	encoder.AddBool("privileged", a.Privileged)
	encoder.AddUint64("recv_sequence", a.RecvSequence)
	encoder.AddUint64("auth_sequence", a.AuthSequence)
	return nil
}
