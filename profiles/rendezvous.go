package profiles

import (
	"context"
	"sync"
)

// rendezvous is a single-resolution completion shared by every caller waiting on one device.
// The first resolve wins, later ones are no-ops.
type rendezvous struct {
	once    sync.Once
	done    chan struct{}
	channel *Channel
	err     error
}

func newRendezvous() *rendezvous {
	return &rendezvous{done: make(chan struct{})}
}

// resolve returns true if this call resolved the rendezvous.
func (r *rendezvous) resolve(channel *Channel, err error) bool {
	var won bool
	r.once.Do(func() {
		r.channel = channel
		r.err = err
		won = true
		close(r.done)
	})
	return won
}

func (r *rendezvous) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *rendezvous) wait(ctx context.Context) (*Channel, error) {
	select {
	case <-r.done:
		return r.channel, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
