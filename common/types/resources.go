package types

import "go.uber.org/zap/zapcore"

// Unlimited marks resource limit that is not enforced.
const Unlimited int64 = -1

// ResourceLimits are staked weights and ram quota of an account. Negative values are unlimited.
type ResourceLimits struct {
	NetWeight int64
	CPUWeight int64
	RAMBytes  int64
}

// UnlimitedResources returns limits that are not enforced.
func UnlimitedResources() ResourceLimits {
	return ResourceLimits{NetWeight: Unlimited, CPUWeight: Unlimited, RAMBytes: Unlimited}
}

// MarshalLogObject implements logging interface.
func (l *ResourceLimits) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddInt64("net_weight", l.NetWeight)
	encoder.AddInt64("cpu_weight", l.CPUWeight)
	encoder.AddInt64("ram_bytes", l.RAMBytes)
	return nil
}

// UsageAccumulator is an exponential moving average of resource usage over a window of slots.
// ValueEx is the average scaled by the rate limiting precision.
type UsageAccumulator struct {
	LastOrdinal uint32
	ValueEx     uint64
	Consumed    uint64
}

// ResourceUsage tracks net, cpu and ram consumed by an account.
type ResourceUsage struct {
	Net      UsageAccumulator
	CPU      UsageAccumulator
	RAMUsage int64
}

// ResourceState is the chain wide resource state.
type ResourceState struct {
	TotalNetWeight  uint64
	TotalCPUWeight  uint64
	VirtualNetLimit uint64
	VirtualCPULimit uint64
	PendingNetUsage uint64
	PendingCPUUsage uint64
	AverageNet      UsageAccumulator
	AverageCPU      UsageAccumulator
}

// MarshalLogObject implements logging interface.
func (s *ResourceState) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddUint64("total_net_weight", s.TotalNetWeight)
	encoder.AddUint64("total_cpu_weight", s.TotalCPUWeight)
	encoder.AddUint64("virtual_net_limit", s.VirtualNetLimit)
	encoder.AddUint64("virtual_cpu_limit", s.VirtualCPULimit)
	encoder.AddUint64("pending_net_usage", s.PendingNetUsage)
	encoder.AddUint64("pending_cpu_usage", s.PendingCPUUsage)
	return nil
}
