// Package remotetag implements the tag contract by delegating every
// operation to the background tag service over IPC.
package remotetag

import (
	"context"
	"errors"

	"github.com/dotside-studios/tagsync-agent/protocol"
)

// ErrNotBound is returned when no service handle is available.
var ErrNotBound = errors.New("tag service not bound")

// Service is a handle to the background tag service. Invoke callbacks fire
// at most once; subscription callbacks fire for every pushed event until
// Unsubscribe. Callbacks run on the service's delivery goroutine and must
// not block.
type Service interface {
	Invoke(req protocol.InvokeRequest, cb func(protocol.InvokeResult)) (cancel func(), err error)
	Subscribe(req protocol.SubscribeRequest, cb func(protocol.Event)) (subscription string, err error)
	Unsubscribe(subscription string) error
}

// Binder tracks the availability of the service handle.
type Binder interface {
	// Current returns the bound service, or nil.
	Current() Service

	// Ready blocks until a service is bound or ctx ends.
	Ready(ctx context.Context) (Service, error)
}
