package pipeline

import (
	"context"

	"trafficmon/internal/detection"
)

// ResultHandler receives analysed frames from the EventBus
type ResultHandler interface {
	// OnResult is called synchronously for every published result
	OnResult(result *Result)
}

// ResultHandlerFunc adapts a function to ResultHandler
type ResultHandlerFunc func(result *Result)

// OnResult implements ResultHandler
func (f ResultHandlerFunc) OnResult(result *Result) {
	f(result)
}

// ModelResolver maps requested model names to weights
type ModelResolver interface {
	Resolve(name string) (detection.Model, error)
}

// SessionManager is the control surface used by the HTTP layer
type SessionManager interface {
	// Start admits and starts a session, returning its initial view
	Start(ctx context.Context, req StartRequest) (SessionInfo, error)

	// Stop shuts a session down and removes it; unknown ids return ErrSessionNotFound
	Stop(ctx context.Context, id string) error

	// Get returns the session with id
	Get(id string) (*Session, bool)

	// List returns a view of every registered session
	List() []SessionInfo

	// Status returns admission and accelerator state
	Status(ctx context.Context) ResourceStatus
}
