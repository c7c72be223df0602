package types

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// BlockHeader summarizes a committed block.
type BlockHeader struct {
	Num  uint32    `json:"num"`
	Time time.Time `json:"time"`
	// Transactions is the number of transactions squashed into the block.
	Transactions uint32 `json:"transactions"`
	NetUsage     uint64 `json:"net_usage"`
	CPUUsage     uint64 `json:"cpu_usage"`
	// ActionRoot is the digest of receipts of all executed actions in execution order.
	ActionRoot Hash32 `json:"action_root"`
	// TransactionRoot is the digest of ids of all squashed transactions.
	TransactionRoot Hash32 `json:"transaction_root"`
}

// MarshalLogObject implements logging interface.
func (b *BlockHeader) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddUint32("num", b.Num)
	encoder.AddTime("time", b.Time)
	encoder.AddUint32("transactions", b.Transactions)
	encoder.AddUint64("net_usage", b.NetUsage)
	encoder.AddUint64("cpu_usage", b.CPUUsage)
	encoder.AddString("action_root", b.ActionRoot.ShortString())
	encoder.AddString("transaction_root", b.TransactionRoot.ShortString())
	return nil
}
