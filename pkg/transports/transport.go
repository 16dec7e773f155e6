package transports

import (
	"context"
)

// Transport carries JSON messages between the companion and its server.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan []byte
	Send([]byte) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., the socket URL).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
