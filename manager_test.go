package agent

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/budslink/agent/bluez"
	"github.com/budslink/agent/detection"
	"github.com/budslink/agent/drivers"
	"github.com/budslink/agent/drivers/registry"
	"github.com/budslink/agent/profiles"
	"github.com/budslink/agent/utils"
)

const (
	testFamily = "test-family"
	testPath   = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
)

var (
	testService  = uuid.MustParse("0000aaaa-0000-1000-8000-00805f9b34fb")
	headsetClass = uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")
)

type outcome struct {
	channel *profiles.Channel
	err     error
}

type channelRequest struct {
	family string
	path   dbus.ObjectPath
	result chan outcome
}

type channelRelease struct {
	family     string
	path       dbus.ObjectPath
	disconnect bool
}

type fakeChannels struct {
	requests chan channelRequest

	mu       sync.Mutex
	inflight map[dbus.ObjectPath]channelRequest
	releases []channelRelease
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		requests: make(chan channelRequest, 16),
		inflight: map[dbus.ObjectPath]channelRequest{},
	}
}

func (f *fakeChannels) RequestChannel(ctx context.Context, family string, _ uuid.UUID, path dbus.ObjectPath,
) (*profiles.Channel, error) {
	req := channelRequest{family: family, path: path, result: make(chan outcome, 1)}
	f.mu.Lock()
	f.inflight[path] = req
	f.mu.Unlock()
	f.requests <- req
	select {
	case o := <-req.result:
		return o.channel, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannels) ReleaseChannel(_ context.Context, family string, path dbus.ObjectPath, disconnect bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, channelRelease{family: family, path: path, disconnect: disconnect})
	if req, ok := f.inflight[path]; ok {
		delete(f.inflight, path)
		select {
		case req.result <- outcome{err: profiles.ErrCancelled}:
		default:
		}
	}
}

func (f *fakeChannels) released() []channelRelease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channelRelease(nil), f.releases...)
}

func (f *fakeChannels) nextRequest(t *testing.T) channelRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no channel request")
		return channelRequest{}
	}
}

func (f *fakeChannels) noRequest(t *testing.T) {
	t.Helper()
	select {
	case req := <-f.requests:
		t.Fatalf("unexpected channel request for %s", req.path)
	case <-time.After(20 * time.Millisecond):
	}
}

// succeed answers req with one end of a pipe and returns the other.
func (f *fakeChannels) succeed(t *testing.T, req channelRequest) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	f.mu.Lock()
	delete(f.inflight, req.path)
	f.mu.Unlock()
	req.result <- outcome{channel: &profiles.Channel{DevicePath: req.path, Family: req.family, Stream: local}}
	return remote
}

func (f *fakeChannels) fail(req channelRequest, err error) {
	f.mu.Lock()
	delete(f.inflight, req.path)
	f.mu.Unlock()
	req.result <- outcome{err: err}
}

type notifier struct {
	mu   sync.Mutex
	subs map[dbus.ObjectPath][]bluez.ChangeFunc
	ids  map[dbus.ObjectPath]bluez.DeviceIdentity
}

func newNotifier() *notifier {
	return &notifier{subs: map[dbus.ObjectPath][]bluez.ChangeFunc{}, ids: map[dbus.ObjectPath]bluez.DeviceIdentity{}}
}

func (n *notifier) Subscribe(path dbus.ObjectPath, fn bluez.ChangeFunc) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[path] = append(n.subs[path], fn)
	idx := len(n.subs[path]) - 1
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.subs[path][idx] = nil
		})
	}, nil
}

func (n *notifier) Identity(path dbus.ObjectPath) (bluez.DeviceIdentity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.ids[path]
	return id, ok
}

func (n *notifier) open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for _, fns := range n.subs {
		for _, fn := range fns {
			if fn != nil {
				count++
			}
		}
	}
	return count
}

func (n *notifier) change(id bluez.DeviceIdentity, changed ...string) {
	n.mu.Lock()
	n.ids[id.Path] = id
	var fns []bluez.ChangeFunc
	for _, fn := range n.subs[id.Path] {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(id, changed)
	}
}

type testDriver struct {
	channel *profiles.Channel
	started atomic.Bool
	closed  atomic.Bool
}

func (d *testDriver) Start(context.Context) error {
	d.started.Store(true)
	return nil
}

func (d *testDriver) Close(context.Context) error {
	d.closed.Store(true)
	return d.channel.Stream.Close()
}

type driverRecorder struct {
	mu      sync.Mutex
	drivers []*testDriver
	err     error
}

func (r *driverRecorder) create(_ context.Context, _ logging.Logger, channel *profiles.Channel,
	_ bluez.DeviceIdentity,
) (drivers.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	d := &testDriver{channel: channel}
	r.drivers = append(r.drivers, d)
	return d, nil
}

func (r *driverRecorder) all() []*testDriver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*testDriver(nil), r.drivers...)
}

func registerTestDriver(t *testing.T) *driverRecorder {
	t.Helper()
	rec := &driverRecorder{}
	registry.Register(testFamily, rec.create)
	t.Cleanup(func() { registry.Deregister(testFamily) })
	return rec
}

func testRules() []detection.Rule {
	return []detection.Rule{{
		Family:           testFamily,
		ProtocolID:       testService,
		RequiredServices: []uuid.UUID{testService},
		RequiredFields:   []string{"batt"},
	}}
}

func device(connected bool, services []uuid.UUID, descriptors map[string]any) bluez.DeviceIdentity {
	return bluez.DeviceIdentity{
		Path:        testPath,
		Address:     "AA:BB:CC:DD:EE:FF",
		Alias:       "Buds",
		Connected:   connected,
		ServiceIDs:  services,
		Descriptors: descriptors,
	}
}

func supported(connected bool) bluez.DeviceIdentity {
	return device(connected, []uuid.UUID{headsetClass, testService}, map[string]any{"batt": 80})
}

func newTestManager(t *testing.T) (*Manager, *fakeChannels, *notifier) {
	t.Helper()
	channels := newFakeChannels()
	n := newNotifier()
	m := NewManagerWithRules(logging.NewTestLogger(t), testRules(), n, channels)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, channels, n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func enhanced(m *Manager) func() bool {
	return func() bool {
		for _, d := range m.Devices() {
			if d.Path == testPath {
				return d.Enhanced
			}
		}
		return false
	}
}

func TestSupportedDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := registerTestDriver(t)
	m, channels, _ := newTestManager(t)

	status := m.HandleUpdate(ctx, supported(true))
	test.That(t, status, test.ShouldResemble, Status{Family: testFamily})

	req := channels.nextRequest(t)
	test.That(t, req.family, test.ShouldEqual, testFamily)
	test.That(t, req.path, test.ShouldEqual, testPath)
	channels.succeed(t, req)

	waitFor(t, func() bool {
		_, ok := m.Driver(testPath)
		return ok
	})
	test.That(t, enhanced(m)(), test.ShouldBeTrue)
	test.That(t, rec.all(), test.ShouldHaveLength, 1)
	test.That(t, rec.all()[0].started.Load(), test.ShouldBeTrue)

	// repeated updates change nothing
	status = m.HandleUpdate(ctx, supported(true))
	test.That(t, status, test.ShouldResemble, Status{Family: testFamily, Enhanced: true})
	channels.noRequest(t)

	status = m.HandleUpdate(ctx, supported(false))
	test.That(t, status, test.ShouldResemble, Status{Family: testFamily})
	test.That(t, rec.all()[0].closed.Load(), test.ShouldBeTrue)
	test.That(t, channels.released(), test.ShouldResemble, []channelRelease{{family: testFamily, path: testPath}})
	_, ok := m.Driver(testPath)
	test.That(t, ok, test.ShouldBeFalse)

	// reconnecting goes straight back to acquisition
	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))
	test.That(t, rec.all(), test.ShouldHaveLength, 2)

	devices := m.Devices()
	test.That(t, devices, test.ShouldHaveLength, 1)
	test.That(t, devices[0].Alias, test.ShouldEqual, "Buds")
	test.That(t, devices[0].Connected, test.ShouldBeTrue)
}

func TestPendingDeviceResolves(t *testing.T) {
	ctx := context.Background()
	registerTestDriver(t)
	m, channels, n := newTestManager(t)

	id := device(true, []uuid.UUID{testService}, map[string]any{"batt": nil})
	status := m.HandleUpdate(ctx, id)
	test.That(t, status, test.ShouldResemble, Status{Pending: true})
	test.That(t, n.open(), test.ShouldEqual, 1)

	// updates while pending keep the single subscription
	m.HandleUpdate(ctx, id)
	test.That(t, n.open(), test.ShouldEqual, 1)
	channels.noRequest(t)

	n.change(device(true, []uuid.UUID{testService}, map[string]any{"batt": 55}), "batt")
	req := channels.nextRequest(t)
	test.That(t, req.family, test.ShouldEqual, testFamily)
	test.That(t, n.open(), test.ShouldEqual, 0)
	channels.succeed(t, req)
	waitFor(t, enhanced(m))
}

func TestDisconnectWhilePending(t *testing.T) {
	ctx := context.Background()
	m, channels, n := newTestManager(t)

	m.HandleUpdate(ctx, device(true, []uuid.UUID{testService}, nil))
	test.That(t, n.open(), test.ShouldEqual, 1)

	status := m.HandleUpdate(ctx, device(false, []uuid.UUID{testService}, nil))
	test.That(t, status, test.ShouldResemble, Status{})
	test.That(t, n.open(), test.ShouldEqual, 0)

	n.change(device(false, []uuid.UUID{testService}, map[string]any{"batt": 1}), "batt")
	channels.noRequest(t)
	test.That(t, channels.released(), test.ShouldBeEmpty)
}

func TestUnsupportedDeviceIsRecheckedOnNewServices(t *testing.T) {
	ctx := context.Background()
	registerTestDriver(t)
	m, channels, n := newTestManager(t)

	status := m.HandleUpdate(ctx, device(true, []uuid.UUID{headsetClass}, nil))
	test.That(t, status, test.ShouldResemble, Status{})
	test.That(t, n.open(), test.ShouldEqual, 0)
	m.HandleUpdate(ctx, device(true, []uuid.UUID{headsetClass}, nil))
	channels.noRequest(t)

	// service discovery finished late
	status = m.HandleUpdate(ctx, supported(true))
	test.That(t, status.Family, test.ShouldEqual, testFamily)
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))
}

func TestDisconnectedDevicesAreNotDetected(t *testing.T) {
	m, channels, n := newTestManager(t)
	status := m.HandleUpdate(context.Background(), device(false, []uuid.UUID{testService}, nil))
	test.That(t, status, test.ShouldResemble, Status{})
	test.That(t, n.open(), test.ShouldEqual, 0)
	channels.noRequest(t)
	test.That(t, m.Devices(), test.ShouldHaveLength, 1)
}

func TestDisconnectDuringAcquisition(t *testing.T) {
	ctx := context.Background()
	rec := registerTestDriver(t)
	m, channels, _ := newTestManager(t)

	m.HandleUpdate(ctx, supported(true))
	channels.nextRequest(t)

	m.HandleUpdate(ctx, supported(false))
	test.That(t, channels.released(), test.ShouldResemble, []channelRelease{{family: testFamily, path: testPath}})

	// the cancelled worker leaves the new connection alone
	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))
	test.That(t, rec.all(), test.ShouldHaveLength, 1)
	test.That(t, channels.released(), test.ShouldHaveLength, 1)
}

func TestAcquisitionTimeoutWaitsForReconnect(t *testing.T) {
	ctx := context.Background()
	rec := registerTestDriver(t)
	m, channels, _ := newTestManager(t)

	m.HandleUpdate(ctx, supported(true))
	channels.fail(channels.nextRequest(t), profiles.ErrTimeout)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.devices[testPath].failed
	})

	m.HandleUpdate(ctx, supported(true))
	channels.noRequest(t)
	test.That(t, rec.all(), test.ShouldBeEmpty)

	m.HandleUpdate(ctx, supported(false))
	test.That(t, channels.released(), test.ShouldResemble, []channelRelease{{family: testFamily, path: testPath}})
	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))
}

func TestDriverFailureReleasesChannel(t *testing.T) {
	ctx := context.Background()
	rec := registerTestDriver(t)
	rec.err = errw.New("unsupported firmware")
	m, channels, _ := newTestManager(t)

	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, func() bool { return len(channels.released()) == 1 })
	test.That(t, channels.released()[0], test.ShouldResemble, channelRelease{family: testFamily, path: testPath})
	test.That(t, enhanced(m)(), test.ShouldBeFalse)

	m.HandleUpdate(ctx, supported(true))
	channels.noRequest(t)
}

func TestNoDriverHoldsChannel(t *testing.T) {
	ctx := context.Background()
	m, channels, _ := newTestManager(t)

	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))
	_, ok := m.Driver(testPath)
	test.That(t, ok, test.ShouldBeFalse)

	m.HandleUpdate(ctx, supported(false))
	test.That(t, channels.released(), test.ShouldHaveLength, 1)
}

func TestRunConsumesFeed(t *testing.T) {
	rec := registerTestDriver(t)
	m, channels, _ := newTestManager(t)

	updates := make(chan bluez.DeviceIdentity, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), updates)
	}()

	updates <- supported(true)
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, func() bool { return len(rec.all()) == 1 })
	close(updates)
	<-done

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx, make(chan bluez.DeviceIdentity))
}

func TestCloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	rec := registerTestDriver(t)
	channels := newFakeChannels()
	n := newNotifier()
	m := NewManagerWithRules(logging.NewTestLogger(t), testRules(), n, channels)

	m.HandleUpdate(ctx, supported(true))
	channels.succeed(t, channels.nextRequest(t))
	waitFor(t, enhanced(m))

	other := device(true, []uuid.UUID{testService}, nil)
	other.Path = testPath + "_2"
	m.HandleUpdate(ctx, other)
	test.That(t, n.open(), test.ShouldEqual, 1)

	m.Close(ctx)
	test.That(t, rec.all()[0].closed.Load(), test.ShouldBeTrue)
	test.That(t, channels.released(), test.ShouldHaveLength, 1)
	test.That(t, n.open(), test.ShouldEqual, 0)
	test.That(t, m.Devices(), test.ShouldBeEmpty)

	test.That(t, m.HandleUpdate(ctx, supported(true)), test.ShouldResemble, Status{})
	m.Close(ctx)
}

func TestSameServices(t *testing.T) {
	test.That(t, sameServices(nil, nil), test.ShouldBeTrue)
	test.That(t, sameServices([]uuid.UUID{headsetClass, testService}, []uuid.UUID{testService, headsetClass}),
		test.ShouldBeTrue)
	test.That(t, sameServices([]uuid.UUID{headsetClass}, []uuid.UUID{testService}), test.ShouldBeFalse)
	test.That(t, sameServices([]uuid.UUID{headsetClass, headsetClass}, []uuid.UUID{headsetClass, testService}),
		test.ShouldBeFalse)
}

func TestNewManagerFamilies(t *testing.T) {
	cfg := utils.DefaultConfig()
	m := NewManager(logging.NewTestLogger(t), cfg, newNotifier(), newFakeChannels())
	defer m.Close(context.Background())
	test.That(t, m.detector.Rules(), test.ShouldHaveLength, 3)

	cfg.SonyEnabled = utils.Tribool(-1)
	m = NewManager(logging.NewTestLogger(t), cfg, newNotifier(), newFakeChannels())
	defer m.Close(context.Background())
	rules := m.detector.Rules()
	test.That(t, rules, test.ShouldHaveLength, 1)
	test.That(t, rules[0].Family, test.ShouldEqual, detection.FamilyAirpods)
}

// policy is a profiles.PolicyService that accepts every directive and exposes the exported handlers.
type policy struct {
	mu       sync.Mutex
	handlers map[dbus.ObjectPath]profiles.Handler
}

func (p *policy) ExportHandler(path dbus.ObjectPath, handler profiles.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[path] = handler
	return nil
}

func (p *policy) UnexportHandler(path dbus.ObjectPath) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, path)
	return nil
}

func (p *policy) RegisterProfile(context.Context, dbus.ObjectPath, uuid.UUID, profiles.ProfileOptions) error {
	return nil
}

func (p *policy) UnregisterProfile(context.Context, dbus.ObjectPath) error { return nil }

func (p *policy) ConnectProfile(context.Context, dbus.ObjectPath, uuid.UUID) error { return nil }

func (p *policy) DisconnectProfile(context.Context, dbus.ObjectPath, uuid.UUID) error { return nil }

func (p *policy) handler(t *testing.T) profiles.Handler {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[profiles.HandlerPath(testFamily)]
	test.That(t, ok, test.ShouldBeTrue)
	return h
}

type manualTicker struct {
	c chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               {}

type stream struct {
	closed atomic.Bool
}

func (s *stream) Read([]byte) (int, error)    { return 0, nil }
func (s *stream) Write(p []byte) (int, error) { return len(p), nil }
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

func TestDisconnectReleasesUnrequestedChannel(t *testing.T) {
	ctx := context.Background()
	svc := &policy{handlers: map[dbus.ObjectPath]profiles.Handler{}}
	tickers := make(chan *manualTicker, 8)
	engine := profiles.NewEngine(svc, logging.NewTestLogger(t), profiles.WithTicker(func(time.Duration) profiles.Ticker {
		tk := &manualTicker{c: make(chan time.Time)}
		tickers <- tk
		return tk
	}))
	t.Cleanup(func() { engine.Close(ctx) })
	m := NewManagerWithRules(logging.NewTestLogger(t), testRules(), newNotifier(), engine)
	t.Cleanup(func() { m.Close(ctx) })
	nextTicker := func() *manualTicker {
		t.Helper()
		select {
		case tk := <-tickers:
			return tk
		case <-time.After(5 * time.Second):
			t.Fatal("no channel request reached the engine")
			return nil
		}
	}

	// another device keeps the family registered
	other := supported(true)
	other.Path = testPath + "_2"
	m.HandleUpdate(ctx, other)
	nextTicker()
	svc.handler(t).NewConnection(other.Path, &stream{}, nil)
	waitFor(t, func() bool { return engine.RefCount(testFamily) == 1 && len(m.Devices()) == 1 && m.Devices()[0].Enhanced })

	m.HandleUpdate(ctx, supported(true))
	tk := nextTicker()
	for tick := 0; tick < 9; tick++ {
		tk.c <- time.Now()
	}
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.devices[testPath].failed
	})
	test.That(t, engine.RefCount(testFamily), test.ShouldEqual, uint(1))

	// auto-connect delivers a channel nobody asked for
	late := &stream{}
	svc.handler(t).NewConnection(testPath, late, nil)
	test.That(t, engine.RefCount(testFamily), test.ShouldEqual, uint(2))

	m.HandleUpdate(ctx, supported(false))
	test.That(t, engine.RefCount(testFamily), test.ShouldEqual, uint(1))
	test.That(t, late.closed.Load(), test.ShouldBeTrue)

	// reconnecting asks for a fresh channel instead of reusing the closed one
	m.HandleUpdate(ctx, supported(true))
	nextTicker()
	svc.handler(t).NewConnection(testPath, &stream{}, nil)
	waitFor(t, enhanced(m))
	test.That(t, engine.RefCount(testFamily), test.ShouldEqual, uint(2))
}
