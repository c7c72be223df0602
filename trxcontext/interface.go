package trxcontext

//go:generate mockgen -typed -package=trxcontext -destination=./mocks.go -source=./interface.go

// Executor runs contract code of the receiver for a single action.
type Executor interface {
	// Apply executes action exposed by host and returns the action return value.
	// Long running executors are expected to poll host.Checktime.
	Apply(host ActionHost) ([]byte, error)
}
