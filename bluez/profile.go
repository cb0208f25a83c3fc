package bluez

import (
	"context"
	"os"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"github.com/budslink/agent/profiles"
)

var profileIntrospection = introspect.Node{
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: ProfileInterface,
			Methods: []introspect.Method{
				{Name: "Release"},
				{
					Name: "NewConnection",
					Args: []introspect.Arg{
						{Name: "device", Type: "o", Direction: "in"},
						{Name: "fd", Type: "h", Direction: "in"},
						{Name: "fd_properties", Type: "a{sv}", Direction: "in"},
					},
				},
				{
					Name: "RequestDisconnection",
					Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}},
				},
			},
		},
	},
}

// ProfileService implements profiles.PolicyService against bluetoothd.
type ProfileService struct {
	conn   *dbus.Conn
	logger logging.Logger

	mu      sync.Mutex
	bridges map[dbus.ObjectPath]*profileBridge
}

var _ profiles.PolicyService = (*ProfileService)(nil)

func NewProfileService(conn *dbus.Conn, logger logging.Logger) *ProfileService {
	return &ProfileService{
		conn:    conn,
		logger:  logger,
		bridges: make(map[dbus.ObjectPath]*profileBridge),
	}
}

func (s *ProfileService) ExportHandler(path dbus.ObjectPath, handler profiles.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bridges[path]; ok {
		return errw.Errorf("a profile handler is already exported at %s", path)
	}

	bridge := newProfileBridge(path, handler, s.logger)
	if err := s.conn.Export(bridge, path, ProfileInterface); err != nil {
		return errw.Wrapf(err, "exporting %s at %s", ProfileInterface, path)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(&profileIntrospection), path, IntrospectableIface); err != nil {
		goutils.UncheckedError(s.conn.Export(nil, path, ProfileInterface))
		return errw.Wrapf(err, "exporting introspection at %s", path)
	}
	s.bridges[path] = bridge
	return nil
}

func (s *ProfileService) UnexportHandler(path dbus.ObjectPath) error {
	s.mu.Lock()
	_, ok := s.bridges[path]
	delete(s.bridges, path)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.conn.Export(nil, path, ProfileInterface); err != nil {
		return errw.Wrapf(err, "unexporting %s at %s", ProfileInterface, path)
	}
	return s.conn.Export(nil, path, IntrospectableIface)
}

func (s *ProfileService) RegisterProfile(ctx context.Context, path dbus.ObjectPath, protocolID uuid.UUID,
	opts profiles.ProfileOptions,
) error {
	obj := s.conn.Object(BluezDBusService, BluezRootPath)
	call := obj.CallWithContext(ctx, ProfileManagerIface+".RegisterProfile", 0, path, protocolID.String(),
		profileOptions(opts))
	if call.Err != nil {
		return errw.Wrapf(call.Err, "registering profile %s", protocolID)
	}
	return nil
}

func (s *ProfileService) UnregisterProfile(ctx context.Context, path dbus.ObjectPath) error {
	obj := s.conn.Object(BluezDBusService, BluezRootPath)
	if err := obj.CallWithContext(ctx, ProfileManagerIface+".UnregisterProfile", 0, path).Err; err != nil {
		return errw.Wrapf(err, "unregistering profile at %s", path)
	}
	return nil
}

func (s *ProfileService) ConnectProfile(ctx context.Context, devicePath dbus.ObjectPath, protocolID uuid.UUID) error {
	obj := s.conn.Object(BluezDBusService, devicePath)
	return obj.CallWithContext(ctx, DeviceInterface+".ConnectProfile", 0, protocolID.String()).Err
}

func (s *ProfileService) DisconnectProfile(ctx context.Context, devicePath dbus.ObjectPath, protocolID uuid.UUID) error {
	obj := s.conn.Object(BluezDBusService, devicePath)
	return s.deviceGone(devicePath, obj.CallWithContext(ctx, DeviceInterface+".DisconnectProfile", 0,
		protocolID.String()).Err)
}

// deviceGone swallows the error of a directive sent to a device bluetoothd already removed.
func (s *ProfileService) deviceGone(devicePath dbus.ObjectPath, err error) error {
	if IsUnknownObject(err) {
		s.logger.Debugf("%s was removed, nothing to disconnect", devicePath)
		return nil
	}
	return err
}

func profileOptions(opts profiles.ProfileOptions) map[string]dbus.Variant {
	out := map[string]dbus.Variant{
		"AutoConnect": dbus.MakeVariant(opts.AutoConnect),
	}
	if opts.Name != "" {
		out["Name"] = dbus.MakeVariant(opts.Name)
	}
	if opts.Role != "" {
		out["Role"] = dbus.MakeVariant(opts.Role)
	}
	return out
}

// profileBridge is the object exported on the bus. Its methods follow godbus conventions and forward to the
// engine's handler.
type profileBridge struct {
	path    dbus.ObjectPath
	handler profiles.Handler
	logger  logging.Logger
}

func newProfileBridge(path dbus.ObjectPath, handler profiles.Handler, logger logging.Logger) *profileBridge {
	return &profileBridge{path: path, handler: handler, logger: logger}
}

func (b *profileBridge) Release() *dbus.Error {
	b.handler.Release()
	return nil
}

func (b *profileBridge) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant,
) *dbus.Error {
	stream, err := streamFromFD(int(fd), string(device))
	if err != nil {
		b.logger.Warn(errw.Wrapf(err, "accepting connection from %s", device))
		return dbus.MakeFailedError(err)
	}
	b.handler.NewConnection(device, stream, props)
	return nil
}

// RequestDisconnection replies right away, releasing a channel may need to call back into bluetoothd.
func (b *profileBridge) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	goutils.PanicCapturingGo(func() {
		b.handler.RequestDisconnection(device)
	})
	return nil
}

// streamFromFD wraps a delivered socket so reads honor deadlines and Close unblocks them.
func streamFromFD(fd int, name string) (*os.File, error) {
	if fd < 0 {
		return nil, errw.Errorf("invalid file descriptor %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		goutils.UncheckedError(unix.Close(fd))
		return nil, errw.Wrap(err, "setting channel non-blocking")
	}
	return os.NewFile(uintptr(fd), name), nil
}
