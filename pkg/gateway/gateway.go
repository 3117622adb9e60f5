// Package gateway defines the outbound boundary to the chat platform.
// The engine hands over an opaque destination and payload; delivery
// details (markup, keyboards, chat ids) belong to the implementation.
package gateway

import (
	"context"
	"time"

	"github.com/korjavin/gamenight/pkg/models"
)

// Payload is one outbound notification. Text carries the rendered
// message; the remaining fields let the transport attach response
// controls (reply keyboards) that route answers back to the reconciler.
type Payload struct {
	Kind        models.TaskKind
	Text        string
	InstanceID  string
	ScheduledAt time.Time
}

// Gateway delivers payloads to the chat platform. A returned error is a
// transient dispatch failure; the scheduler retries with backoff.
type Gateway interface {
	Send(ctx context.Context, destination string, payload Payload) error
}
