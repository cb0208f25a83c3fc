// Package agent contains the enhanced-device support manager of budslink-agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/budslink/agent/bluez"
	"github.com/budslink/agent/detection"
	"github.com/budslink/agent/drivers"
	"github.com/budslink/agent/drivers/registry"
	"github.com/budslink/agent/profiles"
	"github.com/budslink/agent/utils"
)

const (
	SubsystemName = "budslink-agent"

	// stopAllTimeout must be lower than the TimeoutStopSec of the installed user unit.
	stopAllTimeout = time.Second * 30
	releaseTimeout = time.Second * 10
)

var ErrManagerClosed = errw.New("device manager is closed")

// Channels is the part of the channel engine the manager drives.
type Channels interface {
	RequestChannel(ctx context.Context, family string, protocolID uuid.UUID, devicePath dbus.ObjectPath) (*profiles.Channel, error)
	ReleaseChannel(ctx context.Context, family string, devicePath dbus.ObjectPath, disconnect bool)
}

// Status is what the manager knows about a device after an update.
type Status struct {
	Family   string
	Pending  bool
	Enhanced bool
}

// DeviceInfo is a snapshot of one tracked device.
type DeviceInfo struct {
	Path      dbus.ObjectPath
	Alias     string
	Icon      string
	Connected bool
	Status
}

type deviceEntry struct {
	identity  bluez.DeviceIdentity
	connected bool

	family string
	rule   *detection.Rule
	// services an unsupported verdict was reached with, a different list warrants another look
	unsupportedWith []uuid.UUID
	classified      bool

	// bumped on every disconnect, stale acquisition workers compare against it
	generation uint64
	acquiring  bool
	// the last acquisition for this connection failed, wait for a reconnect
	failed  bool
	channel *profiles.Channel
	driver  drivers.Driver
}

// Manager is the core of the agent process. It keeps one entry per device seen on the feed, classifies connected
// devices and gives supported ones a channel and a driver until they disconnect.
type Manager struct {
	logger   logging.Logger
	channels Channels
	detector *detection.Detector

	ctx    context.Context
	cancel context.CancelFunc

	activeBackgroundWorkers sync.WaitGroup

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*deviceEntry
	closed  bool
}

// NewManager returns a new Manager. Descriptor changes for pending devices come from notifier.
func NewManager(logger logging.Logger, cfg utils.AgentConfig, notifier detection.Notifier, channels Channels) *Manager {
	rules := detection.BuiltinRules(detection.FamilyToggles{
		Airpods: cfg.AirpodsEnabled.GetOr(true),
		Sony:    cfg.SonyEnabled.GetOr(true),
	})
	m := NewManagerWithRules(logger, rules, notifier, channels)
	m.setDebug(cfg.Debug.Get())
	return m
}

// NewManagerWithRules is NewManager with a custom rule list instead of the built-in families.
func NewManagerWithRules(logger logging.Logger, rules []detection.Rule, notifier detection.Notifier,
	channels Channels,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger,
		channels: channels,
		ctx:      ctx,
		cancel:   cancel,
		devices:  make(map[dbus.ObjectPath]*deviceEntry),
	}
	m.detector = detection.NewDetector(notifier, rules, logger.Sublogger("detector"), m.onVerdict)
	return m
}

func (m *Manager) setDebug(debug bool) {
	if debug {
		m.logger.SetLevel(logging.DEBUG)
	} else {
		m.logger.SetLevel(logging.INFO)
	}
}

// Run feeds every update to HandleUpdate until ctx is done or updates is closed.
func (m *Manager) Run(ctx context.Context, updates <-chan bluez.DeviceIdentity) {
	defer utils.Recover(m.logger, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-updates:
			if !ok {
				m.logger.Debug("device feed closed")
				return
			}
			m.HandleUpdate(ctx, id)
		}
	}
}

// HandleUpdate applies one device feed entry. Updates may repeat and may carry partial data.
func (m *Manager) HandleUpdate(ctx context.Context, id bluez.DeviceIdentity) Status {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{}
	}

	entry, ok := m.devices[id.Path]
	if !ok {
		entry = &deviceEntry{}
		m.devices[id.Path] = entry
		m.logger.Debugf("tracking device %s (%s)", id.Path, id.Alias)
	}
	wasConnected := entry.connected
	entry.identity = id
	entry.connected = id.Connected

	var cleanup func()
	if wasConnected && !id.Connected {
		cleanup = m.destroyLocked(id.Path, entry)
	}

	if entry.connected && m.needsDetectionLocked(entry) {
		m.applyResultLocked(entry, m.detector.Detect(id))
	}
	m.maybeAcquireLocked(entry)
	status := m.statusLocked(entry)
	m.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	return status
}

// Devices returns a snapshot of every tracked device, sorted by path.
func (m *Manager) Devices() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceInfo, 0, len(m.devices))
	for _, path := range slices.Sorted(maps.Keys(m.devices)) {
		entry := m.devices[path]
		out = append(out, DeviceInfo{
			Path:      path,
			Alias:     entry.identity.Alias,
			Icon:      entry.identity.Icon,
			Connected: entry.connected,
			Status:    m.statusLocked(entry),
		})
	}
	return out
}

// Driver returns the running driver of a device, if any.
func (m *Manager) Driver(path dbus.ObjectPath) (drivers.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.devices[path]
	if !ok || entry.driver == nil {
		return nil, false
	}
	return entry.driver, true
}

// Close stops every driver, releases every channel and waits for acquisition workers.
func (m *Manager) Close(ctx context.Context) {
	slowWatcher, slowWatcherCancel := goutils.SlowGoroutineWatcher(
		stopAllTimeout,
		fmt.Sprintf("%s devices failed to shut down within %v", SubsystemName, stopAllTimeout),
		m.logger,
	)
	defer func() {
		slowWatcherCancel()
		<-slowWatcher
	}()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var cleanups []func()
	for _, path := range slices.Sorted(maps.Keys(m.devices)) {
		cleanups = append(cleanups, m.destroyLocked(path, m.devices[path]))
	}
	m.devices = make(map[dbus.ObjectPath]*deviceEntry)
	m.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	m.detector.Close()
	m.cancel()
	m.activeBackgroundWorkers.Wait()
	m.logger.Info("device manager shut down")
}

func (m *Manager) needsDetectionLocked(entry *deviceEntry) bool {
	if entry.family != "" || m.detector.IsPending(entry.identity.Path) {
		return false
	}
	if !entry.classified {
		return true
	}
	return !sameServices(entry.unsupportedWith, entry.identity.ServiceIDs)
}

func (m *Manager) applyResultLocked(entry *deviceEntry, res detection.Result) {
	switch res.Verdict {
	case detection.Supported:
		entry.classified = true
		entry.family = res.Family
		entry.rule = res.Rule
		entry.unsupportedWith = nil
		m.logger.Infof("%s (%s) is a %s device", entry.identity.Path, entry.identity.Alias, res.Family)
	case detection.Unsupported:
		entry.classified = true
		entry.unsupportedWith = slices.Clone(entry.identity.ServiceIDs)
		m.logger.Debugf("%s (%s) has no enhanced support", entry.identity.Path, entry.identity.Alias)
	case detection.Pending:
	}
}

func (m *Manager) onVerdict(id bluez.DeviceIdentity, res detection.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.devices[id.Path]
	if m.closed || !ok || !entry.connected {
		return
	}
	entry.identity = id
	m.applyResultLocked(entry, res)
	m.maybeAcquireLocked(entry)
}

func (m *Manager) statusLocked(entry *deviceEntry) Status {
	return Status{
		Family:   entry.family,
		Pending:  m.detector.IsPending(entry.identity.Path),
		Enhanced: entry.channel != nil,
	}
}

func (m *Manager) maybeAcquireLocked(entry *deviceEntry) {
	if m.closed || entry.family == "" || !entry.connected || entry.failed || entry.acquiring ||
		entry.channel != nil {
		return
	}
	entry.acquiring = true
	path, family, rule, generation := entry.identity.Path, entry.family, entry.rule, entry.generation

	m.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer m.activeBackgroundWorkers.Done()
		m.acquire(path, family, rule.ProtocolID, generation)
	})
}

// current must be called with mu held. A worker whose entry moved on must not touch the engine, the disconnect
// that bumped the generation already released the channel.
func (m *Manager) currentLocked(path dbus.ObjectPath, generation uint64) (*deviceEntry, bool) {
	entry, ok := m.devices[path]
	if m.closed || !ok || entry.generation != generation {
		return nil, false
	}
	return entry, true
}

func (m *Manager) acquire(path dbus.ObjectPath, family string, protocolID uuid.UUID, generation uint64) {
	channel, err := m.channels.RequestChannel(m.ctx, family, protocolID, path)

	m.mu.Lock()
	entry, ok := m.currentLocked(path, generation)
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.acquiring = false
	if err != nil {
		entry.failed = !errors.Is(err, profiles.ErrCancelled)
		m.mu.Unlock()
		switch {
		case errors.Is(err, profiles.ErrCancelled), errors.Is(err, context.Canceled):
			m.logger.Debug(err)
		case errors.Is(err, profiles.ErrTimeout):
			m.logger.Warnf("no %s channel from %s, enhanced features stay off until it reconnects", family, path)
		default:
			m.logger.Error(errw.Wrapf(err, "requesting %s channel for %s", family, path))
		}
		return
	}
	entry.channel = channel
	id := entry.identity.Clone()
	m.mu.Unlock()

	creator := registry.GetCreator(family)
	if creator == nil {
		m.logger.Infof("no driver registered for %s, holding the channel of %s", family, path)
		return
	}

	driver, err := creator(m.ctx, m.logger.Sublogger(family), channel, id)
	if err == nil {
		if err = driver.Start(m.ctx); err != nil {
			goutils.UncheckedError(driver.Close(m.ctx))
		}
	}
	if err != nil {
		m.logger.Error(errw.Wrapf(err, "starting %s driver for %s", family, path))
		m.mu.Lock()
		entry, ok := m.currentLocked(path, generation)
		if ok {
			entry.channel = nil
			entry.failed = true
		}
		m.mu.Unlock()
		if ok {
			m.releaseChannel(family, path)
		}
		return
	}

	m.mu.Lock()
	entry, ok = m.currentLocked(path, generation)
	if ok {
		entry.driver = driver
	}
	m.mu.Unlock()
	if !ok {
		// disconnected while the driver was starting
		m.closeDriver(family, path, driver)
		return
	}
	m.logger.Infof("%s driver running for %s", family, path)
}

// destroyLocked tears down the enhanced device of entry and returns the part that must run without mu held.
// Classification survives so a reconnect goes straight to acquisition.
func (m *Manager) destroyLocked(path dbus.ObjectPath, entry *deviceEntry) func() {
	m.detector.Forget(path)
	entry.generation++
	family, driver := entry.family, entry.driver
	// the engine may hold a channel the manager never asked for, auto-connect delivers those
	release := entry.family != ""
	entry.acquiring = false
	entry.failed = false
	entry.channel = nil
	entry.driver = nil
	if !release && driver == nil {
		return func() {}
	}
	m.logger.Infof("%s disconnected, stopping %s support", path, family)
	return func() {
		if driver != nil {
			m.closeDriver(family, path, driver)
		}
		if release {
			m.releaseChannel(family, path)
		}
	}
}

func (m *Manager) closeDriver(family string, path dbus.ObjectPath, driver drivers.Driver) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := driver.Close(ctx); err != nil {
		m.logger.Warn(errw.Wrapf(err, "closing %s driver for %s", family, path))
	}
}

// releaseChannel never asks for a profile disconnect, the device is already gone or the driver gave up on it.
func (m *Manager) releaseChannel(family string, path dbus.ObjectPath) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	m.channels.ReleaseChannel(ctx, family, path, false)
}

func sameServices(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uuid.UUID]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}
