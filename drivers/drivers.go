// Package drivers defines the interface vendor drivers implement on top of an acquired channel.
package drivers

import (
	"context"
)

type Driver interface {
	// Start begins talking to the device over its channel
	Start(ctx context.Context) error

	// Close stops the driver. The channel is released by the caller afterwards.
	Close(ctx context.Context) error
}
