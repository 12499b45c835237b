// Package bus relays push messages between API instances.
package bus

import (
	"context"

	"github.com/yungbote/appforge-backend/internal/realtime"
)

type Bus interface {
	Publish(ctx context.Context, msg realtime.Message) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error
	Close() error
}

// Local delivers straight to an in-process hub; used when no redis address
// is configured.
type Local struct {
	Hub *realtime.Hub
}

func (l Local) Publish(ctx context.Context, msg realtime.Message) error {
	l.Hub.Broadcast(msg)
	return nil
}

func (l Local) StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error { return nil }

func (l Local) Close() error { return nil }
