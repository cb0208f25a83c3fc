// Package bluez is the D-Bus side of the agent: it follows BlueZ device objects, exports protocol handlers and
// issues profile directives on behalf of the channel engine.
package bluez

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"time"

	semver "github.com/Masterminds/semver/v3"
	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	BluezDBusService       = "org.bluez"
	BluezRootPath          = dbus.ObjectPath("/org/bluez")
	DeviceInterface        = "org.bluez.Device1"
	AdapterInterface       = "org.bluez.Adapter1"
	ProfileInterface       = "org.bluez.Profile1"
	ProfileManagerIface    = "org.bluez.ProfileManager1"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	IntrospectableIface    = "org.freedesktop.DBus.Introspectable"

	minBluetoothdVersion = "5.50"
)

var (
	ErrBlueZUnavailable = errw.New("bluez is not available (org.bluez not owned)")

	bluetoothctlVersionRegex = regexp.MustCompile(`Version\s+([0-9]+\.[0-9]+)`)
)

// SystemBus returns the shared system bus connection.
func SystemBus() (*dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errw.Wrap(err, "failed to connect to system DBus")
	}
	if !conn.SupportsUnixFDs() {
		return nil, errw.New("system DBus connection does not support passing file descriptors")
	}
	return conn, nil
}

// CheckBlueZ verifies that bluetoothd owns its well-known name on conn.
func CheckBlueZ(conn *dbus.Conn) error {
	var hasOwner bool
	if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, BluezDBusService).Store(&hasOwner); err != nil {
		return errw.Wrap(err, "querying org.bluez owner")
	}
	if !hasOwner {
		return ErrBlueZUnavailable
	}
	return nil
}

// CheckBluetoothdVersion warns when the installed bluetoothd is older than the profile API the agent relies on.
// Only a failure to run bluetoothctl is returned as an error.
func CheckBluetoothdVersion(ctx context.Context, logger logging.Logger) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	cmd := exec.CommandContext(timeoutCtx, "bluetoothctl", "version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "running 'bluetoothctl version' failed and returned: %s", string(output))
	}

	sv, err := parseBluetoothctlVersion(output)
	if err != nil {
		logger.Warn(err)
		return nil
	}

	if !sv.GreaterThanEqual(semver.MustParse(minBluetoothdVersion)) {
		logger.Warnf("bluetooth version %s is less than %s, profile connections may not work", sv, minBluetoothdVersion)
	}
	return nil
}

func parseBluetoothctlVersion(output []byte) (*semver.Version, error) {
	matches := bluetoothctlVersionRegex.FindSubmatch(output)
	if len(matches) != 2 {
		return nil, errw.Errorf("cannot parse output (%s) returned from 'bluetoothctl version'", output)
	}
	return semver.NewVersion(string(matches[1]))
}

// IsUnknownObject reports whether err is the D-Bus error for a missing object, as returned when a device
// disappears between a signal and a call.
func IsUnknownObject(err error) bool {
	var dErr dbus.Error
	if errors.As(err, &dErr) {
		return dErr.Name == "org.freedesktop.DBus.Error.UnknownObject"
	}
	var dErrP *dbus.Error
	if errors.As(err, &dErrP) {
		return dErrP.Name == "org.freedesktop.DBus.Error.UnknownObject"
	}
	return false
}
