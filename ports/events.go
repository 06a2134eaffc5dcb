package ports

import (
	"context"

	"github.com/layer-3/walletauth/core"
)

// EventPublisher publishes session events to notify other instances
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event core.SessionEvent) error
}
