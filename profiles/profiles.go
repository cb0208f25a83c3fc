// Package profiles acquires exclusive byte-stream channels to connected bluetooth devices by registering
// as a protocol handler (one per vendor family) with the bluetooth policy service and driving the
// connect handshake until the service delivers a live channel.
package profiles

import (
	"context"
	"io"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
)

const (
	// HandlerBasePath is the object path prefix under which family handlers are exported.
	HandlerBasePath = "/io/github/budslink/Profile"

	// RoleClient is the only role the agent registers profiles with.
	RoleClient = "client"

	DefaultRetryPeriod      = time.Millisecond * 500
	DefaultDirectiveTimeout = time.Second * 30

	// the connect directive is only (re)issued on these ticks.
	maxAttempts = 8
)

var (
	ErrRegistration = errw.New("protocol handler registration failed")
	ErrTimeout      = errw.New("timed out waiting for channel")
	ErrCancelled    = errw.New("channel request cancelled")
)

func isRetryAttempt(attempt uint) bool {
	switch attempt {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// Channel is a live, duplex stream to a device, as handed over by the policy service.
type Channel struct {
	DevicePath dbus.ObjectPath
	Family     string
	Stream     io.ReadWriteCloser
	Properties map[string]dbus.Variant
}

// ProfileOptions are advertised to the profile manager on registration.
type ProfileOptions struct {
	Name        string
	Role        string
	AutoConnect bool
}

// Handler is the contract the policy service invokes on an exported profile object.
type Handler interface {
	// Release is a no-op acknowledgement that the service dropped the profile.
	Release()
	// NewConnection delivers an established channel for devicePath.
	NewConnection(devicePath dbus.ObjectPath, stream io.ReadWriteCloser, props map[string]dbus.Variant)
	// RequestDisconnection is a peer-initiated teardown notice.
	RequestDisconnection(devicePath dbus.ObjectPath)
}

// PolicyService is the platform side of channel acquisition.
// Implementations must not call back into a Handler synchronously from these methods.
type PolicyService interface {
	ExportHandler(path dbus.ObjectPath, handler Handler) error
	UnexportHandler(path dbus.ObjectPath) error
	RegisterProfile(ctx context.Context, path dbus.ObjectPath, protocolID uuid.UUID, opts ProfileOptions) error
	UnregisterProfile(ctx context.Context, path dbus.ObjectPath) error

	ConnectProfile(ctx context.Context, devicePath dbus.ObjectPath, protocolID uuid.UUID) error
	DisconnectProfile(ctx context.Context, devicePath dbus.ObjectPath, protocolID uuid.UUID) error
}

// HandlerPath returns the object path the handler for family is exported under.
func HandlerPath(family string) dbus.ObjectPath {
	var b strings.Builder
	for _, r := range family {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		b.WriteRune('_')
	}
	return dbus.ObjectPath(HandlerBasePath + "/" + b.String())
}

// Ticker is the subset of time.Ticker the retry ladder needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}
