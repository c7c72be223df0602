package types

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// GeneratedTransaction is a delayed transaction stored until DelayUntil.
type GeneratedTransaction struct {
	ID         TransactionID
	Sender     Name
	SenderID   Hash32
	Payer      Name
	Published  time.Time
	DelayUntil time.Time
	Expiration time.Time
	Packed     []byte
}

// MarshalLogObject implements logging interface.
func (g *GeneratedTransaction) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("id", g.ID.ShortString())
	encoder.AddString("sender", g.Sender.String())
	encoder.AddString("payer", g.Payer.String())
	encoder.AddTime("delay_until", g.DelayUntil)
	encoder.AddTime("expiration", g.Expiration)
	encoder.AddInt("size", len(g.Packed))
	return nil
}
