package sync

import (
	"context"

	"github.com/syncwell/recordsync/internal/device/relayclient"
)

// WrapRelay adapts the concrete relay client to the agent's Relay interface;
// only Subscribe needs help, its concrete return type narrowed to Stream.
func WrapRelay(c *relayclient.Client) Relay {
	return relayAdapter{c}
}

type relayAdapter struct {
	*relayclient.Client
}

func (r relayAdapter) Subscribe(ctx context.Context, scope string, since int64) (Stream, error) {
	return r.Client.Subscribe(ctx, scope, since)
}
