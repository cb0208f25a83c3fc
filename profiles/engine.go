package profiles

import (
	"context"
	"io"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var ErrClosed = errw.New("channel engine is closed")

// registration is the single protocol handler shared by every device of a family.
type registration struct {
	family     string
	protocolID uuid.UUID
	objectPath dbus.ObjectPath
	// devices awaiting or holding a channel, zero means the registration is torn down
	refCount uint
}

// acquisition is the in-flight or completed channel request of one device.
type acquisition struct {
	devicePath dbus.ObjectPath
	family     string
	protocolID uuid.UUID
	channel    *Channel
	attempt    uint
	ticker     Ticker
	rv         *rendezvous
}

// Engine hands out channels to devices, registering one protocol handler per family on demand.
type Engine struct {
	svc    PolicyService
	logger logging.Logger

	retryPeriod      time.Duration
	directiveTimeout time.Duration
	newTicker        func(time.Duration) Ticker
	// runs connect directives, which must not block the caller
	dispatch func(func())

	// serializes registration and teardown, always taken before mu
	regMu sync.Mutex

	mu            sync.Mutex
	registrations map[string]*registration
	acquisitions  map[dbus.ObjectPath]*acquisition
	closed        bool

	closeCtx    context.Context
	closeCancel context.CancelFunc
	workers     sync.WaitGroup
}

// EngineOption is a type used to configure the [Engine] returned from [NewEngine].
type EngineOption func(*Engine)

// WithRetryPeriod sets the period of the retry ladder ticker.
func WithRetryPeriod(period time.Duration) EngineOption {
	return func(e *Engine) {
		if period > 0 {
			e.retryPeriod = period
		}
	}
}

// WithDirectiveTimeout bounds every connect/disconnect directive.
func WithDirectiveTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.directiveTimeout = timeout
		}
	}
}

// WithTicker replaces the retry ladder ticker. Should only be used for testing.
func WithTicker(newTicker func(time.Duration) Ticker) EngineOption {
	return func(e *Engine) {
		e.newTicker = newTicker
	}
}

func NewEngine(svc PolicyService, logger logging.Logger, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		svc:              svc,
		logger:           logger,
		retryPeriod:      DefaultRetryPeriod,
		directiveTimeout: DefaultDirectiveTimeout,
		newTicker:        newTimeTicker,
		registrations:    make(map[string]*registration),
		acquisitions:     make(map[dbus.ObjectPath]*acquisition),
		closeCtx:         ctx,
		closeCancel:      cancel,
	}
	e.dispatch = e.goDispatch
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestChannel returns a live channel for devicePath, registering the family's protocol handler first if needed.
// Overlapping requests for the same device share one acquisition and resolve together. Cancelling ctx only stops
// this caller from waiting; use ReleaseChannel to abandon the acquisition itself.
func (e *Engine) RequestChannel(ctx context.Context, family string, protocolID uuid.UUID, devicePath dbus.ObjectPath,
) (*Channel, error) {
	for {
		reg, err := e.ensureRegistered(ctx, family, protocolID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			e.teardown(reg)
			return nil, ErrClosed
		}
		if e.registrations[family] != reg {
			// torn down by a release between registration and now
			e.mu.Unlock()
			continue
		}

		if acq, ok := e.acquisitions[devicePath]; ok {
			channel, rv := acq.channel, acq.rv
			e.mu.Unlock()
			if acq.family != family {
				// a registration made for this call alone has no devices
				e.teardown(reg)
				return nil, errw.Errorf("device %s already has a channel request for family %s", devicePath, acq.family)
			}
			if channel != nil {
				return channel, nil
			}
			return rv.wait(ctx)
		}

		acq := &acquisition{
			devicePath: devicePath,
			family:     family,
			protocolID: reg.protocolID,
			ticker:     e.newTicker(e.retryPeriod),
			rv:         newRendezvous(),
		}
		e.acquisitions[devicePath] = acq
		reg.refCount++
		e.workers.Add(1)
		e.mu.Unlock()

		e.logger.Debugf("requesting %s channel for %s", family, devicePath)
		e.issueConnect(acq)
		goutils.PanicCapturingGo(func() {
			defer e.workers.Done()
			e.runLadder(acq)
		})
		return acq.rv.wait(ctx)
	}
}

// ReleaseChannel abandons or closes the device's channel, optionally asking the service to drop the profile
// connection, and unregisters the family's handler once no other device needs it.
func (e *Engine) ReleaseChannel(ctx context.Context, family string, devicePath dbus.ObjectPath, disconnect bool) {
	e.mu.Lock()
	acq, ok := e.acquisitions[devicePath]
	if !ok || acq.family != family {
		e.mu.Unlock()
		return
	}
	delete(e.acquisitions, devicePath)
	if acq.ticker != nil {
		acq.ticker.Stop()
	}
	acq.rv.resolve(nil, errw.Wrapf(ErrCancelled, "releasing %s", devicePath))
	channel := acq.channel
	reg := e.registrations[family]
	teardown := e.decRef(reg)
	e.mu.Unlock()

	e.logger.Debugf("released %s channel for %s", family, devicePath)
	if channel != nil {
		if err := channel.Stream.Close(); err != nil {
			e.logger.Debug(errw.Wrapf(err, "closing channel for %s", devicePath))
		}
	}

	if disconnect {
		dctx, cancel := context.WithTimeout(ctx, e.directiveTimeout)
		if err := e.svc.DisconnectProfile(dctx, devicePath, acq.protocolID); err != nil {
			e.logger.Warn(errw.Wrapf(err, "disconnecting %s profile on %s", family, devicePath))
		}
		cancel()
	}

	if teardown {
		e.teardown(reg)
	}
}

// Close releases every channel and unregisters every handler.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	acqs := make([]*acquisition, 0, len(e.acquisitions))
	for _, acq := range e.acquisitions {
		acqs = append(acqs, acq)
	}
	e.mu.Unlock()

	for _, acq := range acqs {
		e.ReleaseChannel(ctx, acq.family, acq.devicePath, true)
	}

	// anything left had no devices at all. regMu waits out a registration still talking to the service.
	e.regMu.Lock()
	e.mu.Lock()
	regs := make([]*registration, 0, len(e.registrations))
	for family, reg := range e.registrations {
		regs = append(regs, reg)
		delete(e.registrations, family)
	}
	e.mu.Unlock()
	for _, reg := range regs {
		e.unregister(reg)
	}
	e.regMu.Unlock()

	e.closeCancel()
	e.workers.Wait()
}

// RefCount returns how many devices are awaiting or holding a channel for family.
func (e *Engine) RefCount(family string) uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.registrations[family]
	if !ok {
		return 0
	}
	return reg.refCount
}

// Registered reports whether the protocol handler of family is currently registered.
func (e *Engine) Registered(family string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.registrations[family]
	return ok
}

func (e *Engine) ensureRegistered(ctx context.Context, family string, protocolID uuid.UUID) (*registration, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if reg, ok := e.registrations[family]; ok {
		e.mu.Unlock()
		if reg.protocolID != protocolID {
			return nil, errw.Errorf("family %s is registered with protocol %s, not %s", family, reg.protocolID, protocolID)
		}
		return reg, nil
	}
	e.mu.Unlock()

	reg := &registration{
		family:     family,
		protocolID: protocolID,
		objectPath: HandlerPath(family),
	}

	e.logger.Infof("registering %s protocol handler %s at %s", family, protocolID, reg.objectPath)
	if err := e.svc.ExportHandler(reg.objectPath, &familyHandler{engine: e, reg: reg}); err != nil {
		return nil, errw.Wrapf(ErrRegistration, "exporting %s handler: %s", family, err)
	}

	// visible before RegisterProfile returns, auto-connect may deliver a channel right away
	e.mu.Lock()
	e.registrations[family] = reg
	e.mu.Unlock()

	opts := ProfileOptions{
		Name:        "BudsLink-" + family,
		Role:        RoleClient,
		AutoConnect: true,
	}
	if err := e.svc.RegisterProfile(ctx, reg.objectPath, protocolID, opts); err != nil {
		e.discard(reg)
		if uErr := e.svc.UnexportHandler(reg.objectPath); uErr != nil {
			e.logger.Warn(errw.Wrapf(uErr, "unexporting %s handler", family))
		}
		return nil, errw.Wrapf(ErrRegistration, "registering %s profile: %s", family, err)
	}
	return reg, nil
}

// discard drops a registration that never completed, along with anything delivered to it meanwhile.
func (e *Engine) discard(reg *registration) {
	var streams []io.Closer
	e.mu.Lock()
	if e.registrations[reg.family] == reg {
		delete(e.registrations, reg.family)
	}
	for path, acq := range e.acquisitions {
		if acq.family != reg.family {
			continue
		}
		delete(e.acquisitions, path)
		acq.rv.resolve(nil, errw.Wrapf(ErrRegistration, "%s handler registration failed", reg.family))
		if acq.channel != nil {
			streams = append(streams, acq.channel.Stream)
		}
	}
	reg.refCount = 0
	e.mu.Unlock()

	for _, s := range streams {
		goutils.UncheckedError(s.Close())
	}
}

// teardown unregisters reg if it is still current and unused.
func (e *Engine) teardown(reg *registration) {
	if reg == nil {
		return
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()

	e.mu.Lock()
	if e.registrations[reg.family] != reg || reg.refCount > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.registrations, reg.family)
	e.mu.Unlock()
	e.unregister(reg)
}

// unregister must be called with regMu held, after reg left the registrations map.
func (e *Engine) unregister(reg *registration) {
	e.logger.Infof("unregistering %s protocol handler", reg.family)
	ctx, cancel := context.WithTimeout(context.Background(), e.directiveTimeout)
	defer cancel()
	if err := e.svc.UnregisterProfile(ctx, reg.objectPath); err != nil {
		e.logger.Warn(errw.Wrapf(err, "unregistering %s profile", reg.family))
	}
	if err := e.svc.UnexportHandler(reg.objectPath); err != nil {
		e.logger.Warn(errw.Wrapf(err, "unexporting %s handler", reg.family))
	}
}

// decRef must be called with mu held. It returns true when reg needs to be torn down.
func (e *Engine) decRef(reg *registration) bool {
	if reg == nil || e.registrations[reg.family] != reg || reg.refCount == 0 {
		return false
	}
	reg.refCount--
	return reg.refCount == 0
}

func (e *Engine) runLadder(acq *acquisition) {
	defer acq.ticker.Stop()
	for {
		select {
		case <-acq.ticker.C():
			if !e.onTick(acq) {
				return
			}
		case <-acq.rv.done:
			return
		case <-e.closeCtx.Done():
			return
		}
	}
}

// onTick advances the attempt counter of acq. It returns false once the ladder is finished.
func (e *Engine) onTick(acq *acquisition) bool {
	e.mu.Lock()
	if e.acquisitions[acq.devicePath] != acq || acq.rv.resolved() {
		e.mu.Unlock()
		return false
	}
	acq.attempt++
	attempt := acq.attempt

	if attempt > maxAttempts {
		acq.ticker.Stop()
		delete(e.acquisitions, acq.devicePath)
		acq.rv.resolve(nil, errw.Wrapf(ErrTimeout, "no %s channel from %s after %d attempts", acq.family, acq.devicePath,
			maxAttempts))
		reg := e.registrations[acq.family]
		teardown := e.decRef(reg)
		e.mu.Unlock()

		e.logger.Warnf("gave up waiting for %s channel from %s", acq.family, acq.devicePath)
		if teardown {
			e.teardown(reg)
		}
		return false
	}
	e.mu.Unlock()

	if isRetryAttempt(attempt) {
		e.logger.Debugf("retrying %s connect on %s (attempt %d)", acq.family, acq.devicePath, attempt)
		e.issueConnect(acq)
	}
	return true
}

func (e *Engine) issueConnect(acq *acquisition) {
	devicePath, protocolID, family, rv := acq.devicePath, acq.protocolID, acq.family, acq.rv
	e.dispatch(func() {
		if rv.resolved() {
			// delivered or released since the tick
			return
		}
		ctx, cancel := context.WithTimeout(e.closeCtx, e.directiveTimeout)
		defer cancel()
		if err := e.svc.ConnectProfile(ctx, devicePath, protocolID); err != nil {
			e.logger.Warn(errw.Wrapf(err, "connecting %s profile on %s", family, devicePath))
			return
		}
		e.logger.Debugf("connect profile ok for %s on %s", protocolID, devicePath)
	})
}

func (e *Engine) goDispatch(f func()) {
	e.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.workers.Done()
		f()
	})
}

// deliver stores an inbound channel, resolving whoever waits on it.
func (e *Engine) deliver(reg *registration, devicePath dbus.ObjectPath, stream io.ReadWriteCloser,
	props map[string]dbus.Variant,
) {
	e.mu.Lock()
	if e.closed || e.registrations[reg.family] != reg {
		e.mu.Unlock()
		e.logger.Warnf("dropping %s channel for %s, handler is no longer registered", reg.family, devicePath)
		goutils.UncheckedError(stream.Close())
		return
	}

	channel := &Channel{
		DevicePath: devicePath,
		Family:     reg.family,
		Stream:     stream,
		Properties: props,
	}

	acq, ok := e.acquisitions[devicePath]
	if !ok {
		// auto-connect beat any request, hold it for the first one
		acq = &acquisition{
			devicePath: devicePath,
			family:     reg.family,
			protocolID: reg.protocolID,
			channel:    channel,
			rv:         newRendezvous(),
		}
		acq.rv.resolve(channel, nil)
		e.acquisitions[devicePath] = acq
		reg.refCount++
		e.mu.Unlock()
		e.logger.Infof("holding unrequested %s channel for %s", reg.family, devicePath)
		return
	}
	if acq.family != reg.family {
		e.mu.Unlock()
		e.logger.Warnf("dropping %s channel for %s, it belongs to family %s", reg.family, devicePath, acq.family)
		goutils.UncheckedError(stream.Close())
		return
	}

	old := acq.channel
	acq.channel = channel
	if acq.ticker != nil {
		acq.ticker.Stop()
	}
	acq.rv.resolve(channel, nil)
	e.mu.Unlock()

	e.logger.Infof("new %s channel for %s", reg.family, devicePath)
	if old != nil {
		goutils.UncheckedError(old.Stream.Close())
	}
}

// familyHandler is exported to the policy service for one registration.
type familyHandler struct {
	engine *Engine
	reg    *registration
}

func (h *familyHandler) Release() {
	h.engine.logger.Infof("profile release for %s", h.reg.family)
}

func (h *familyHandler) NewConnection(devicePath dbus.ObjectPath, stream io.ReadWriteCloser,
	props map[string]dbus.Variant,
) {
	h.engine.deliver(h.reg, devicePath, stream, props)
}

func (h *familyHandler) RequestDisconnection(devicePath dbus.ObjectPath) {
	h.engine.logger.Infof("peer requested disconnection of %s from %s", h.reg.family, devicePath)
	h.engine.ReleaseChannel(context.Background(), h.reg.family, devicePath, false)
}
