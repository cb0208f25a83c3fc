// Package registry is used to register vendor drivers from other packages.
package registry

import (
	"context"
	"slices"
	"sync"

	"go.viam.com/rdk/logging"

	"github.com/budslink/agent/bluez"
	"github.com/budslink/agent/drivers"
	"github.com/budslink/agent/profiles"
)

var (
	mu       sync.Mutex
	creators = map[string]CreatorFunc{}
)

// CreatorFunc builds the driver of a family around a freshly acquired channel.
type CreatorFunc func(ctx context.Context, logger logging.Logger, channel *profiles.Channel,
	id bluez.DeviceIdentity) (drivers.Driver, error)

func Register(family string, creator CreatorFunc) {
	mu.Lock()
	defer mu.Unlock()
	creators[family] = creator
}

func Deregister(family string) {
	mu.Lock()
	defer mu.Unlock()
	delete(creators, family)
}

func GetCreator(family string) CreatorFunc {
	mu.Lock()
	defer mu.Unlock()
	creator, ok := creators[family]
	if ok {
		return creator
	}
	return nil
}

// List returns the registered families, sorted.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	//nolint:prealloc
	var names []string
	for k := range creators {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
