package bluez

import (
	"context"
	"maps"
	"slices"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	signalInterfacesAdded   = ObjectManagerInterface + ".InterfacesAdded"
	signalInterfacesRemoved = ObjectManagerInterface + ".InterfacesRemoved"
	signalPropertiesChanged = PropertiesInterface + ".PropertiesChanged"

	updateBufferSize = 64
)

var ErrWatcherClosed = errw.New("device watcher is closed")

// ChangeFunc receives the updated identity of a device and the names of the Device1 properties that changed.
type ChangeFunc func(id DeviceIdentity, changed []string)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Watcher mirrors the BlueZ Device1 objects. It publishes every change on Updates and notifies per-device
// subscribers of property changes.
type Watcher struct {
	conn   *dbus.Conn
	logger logging.Logger

	signals chan *dbus.Signal
	updates chan DeviceIdentity
	done    chan struct{}
	workers sync.WaitGroup

	mu      sync.Mutex
	devices map[dbus.ObjectPath]map[string]dbus.Variant
	subs    map[dbus.ObjectPath]map[uint64]ChangeFunc
	nextSub uint64
	started bool
	closed  bool
}

func NewWatcher(conn *dbus.Conn, logger logging.Logger) *Watcher {
	return &Watcher{
		conn:    conn,
		logger:  logger,
		signals: make(chan *dbus.Signal, updateBufferSize),
		updates: make(chan DeviceIdentity, updateBufferSize),
		done:    make(chan struct{}),
		devices: make(map[dbus.ObjectPath]map[string]dbus.Variant),
		subs:    make(map[dbus.ObjectPath]map[uint64]ChangeFunc),
	}
}

func (w *Watcher) matchOptions() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(BluezDBusService),
			dbus.WithMatchInterface(ObjectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchSender(BluezDBusService),
			dbus.WithMatchInterface(ObjectManagerInterface),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
		{
			dbus.WithMatchSender(BluezDBusService),
			dbus.WithMatchInterface(PropertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(BluezRootPath),
		},
	}
}

// Start subscribes to BlueZ signals, loads the current devices and begins following changes.
// Devices present at start are published on Updates like any other change.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	// subscribe before listing objects so nothing falls in between
	for _, opts := range w.matchOptions() {
		if err := w.conn.AddMatchSignalContext(ctx, opts...); err != nil {
			return errw.Wrap(err, "adding bluez signal match")
		}
	}
	w.conn.Signal(w.signals)

	var objects managedObjects
	obj := w.conn.Object(BluezDBusService, "/")
	if err := obj.CallWithContext(ctx, ObjectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return errw.Wrap(err, "getting bluez managed objects")
	}

	w.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer w.workers.Done()
		w.loadObjects(objects)
		w.run()
	})
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			w.handleSignal(sig)
		}
	}
}

// Updates is the device feed. Consumers must tolerate repeated identical updates.
func (w *Watcher) Updates() <-chan DeviceIdentity {
	return w.updates
}

// Identity returns the current identity of the device at path.
func (w *Watcher) Identity(path dbus.ObjectPath) (DeviceIdentity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	props, ok := w.devices[path]
	if !ok {
		return DeviceIdentity{}, false
	}
	return IdentityFromProperties(path, props), true
}

// Devices returns every known device, sorted by path.
func (w *Watcher) Devices() []DeviceIdentity {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := slices.Sorted(maps.Keys(w.devices))
	out := make([]DeviceIdentity, 0, len(paths))
	for _, path := range paths {
		out = append(out, IdentityFromProperties(path, w.devices[path]))
	}
	return out
}

// Subscribe calls fn for every Device1 property change on path until the returned cancel is called.
// Cancel may be called more than once.
func (w *Watcher) Subscribe(path dbus.ObjectPath, fn ChangeFunc) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWatcherClosed
	}
	w.nextSub++
	id := w.nextSub
	if w.subs[path] == nil {
		w.subs[path] = make(map[uint64]ChangeFunc)
	}
	w.subs[path][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs[path], id)
			if len(w.subs[path]) == 0 {
				delete(w.subs, path)
			}
		})
	}, nil
}

// Subscriptions returns the number of open subscriptions.
func (w *Watcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	for _, s := range w.subs {
		n += len(s)
	}
	return n
}

// Close stops following BlueZ and closes the Updates channel.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	started := w.started
	w.subs = make(map[dbus.ObjectPath]map[uint64]ChangeFunc)
	w.mu.Unlock()

	close(w.done)
	if started && w.conn != nil {
		w.conn.RemoveSignal(w.signals)
		for _, opts := range w.matchOptions() {
			if err := w.conn.RemoveMatchSignal(opts...); err != nil {
				w.logger.Debug(errw.Wrap(err, "removing bluez signal match"))
			}
		}
	}
	w.workers.Wait()
	close(w.updates)
}

func (w *Watcher) loadObjects(objects managedObjects) {
	for _, path := range slices.Sorted(maps.Keys(objects)) {
		if props, ok := objects[path][DeviceInterface]; ok {
			w.addDevice(path, props)
		}
	}
}

func (w *Watcher) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case signalInterfacesAdded:
		var path dbus.ObjectPath
		var ifaces map[string]map[string]dbus.Variant
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
			w.logger.Warn(errw.Wrap(err, "processing InterfacesAdded"))
			return
		}
		if props, ok := ifaces[DeviceInterface]; ok {
			w.addDevice(path, props)
		}
	case signalInterfacesRemoved:
		var path dbus.ObjectPath
		var ifaces []string
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
			w.logger.Warn(errw.Wrap(err, "processing InterfacesRemoved"))
			return
		}
		if slices.Contains(ifaces, DeviceInterface) {
			w.removeDevice(path)
		}
	case signalPropertiesChanged:
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
			w.logger.Warn(errw.Wrap(err, "processing PropertiesChanged"))
			return
		}
		if iface != DeviceInterface {
			return
		}
		w.changeDevice(sig.Path, changed, invalidated)
	}
}

func (w *Watcher) addDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	w.mu.Lock()
	current, known := w.devices[path]
	if !known {
		current = make(map[string]dbus.Variant, len(props))
		w.devices[path] = current
	}
	maps.Copy(current, props)
	id := IdentityFromProperties(path, current)
	subs := w.subscribersLocked(path)
	w.mu.Unlock()

	if !known {
		w.logger.Debugf("found device %s (%s)", path, id.Alias)
	}
	w.notify(subs, id, slices.Sorted(maps.Keys(props)))
	w.publish(id)
}

func (w *Watcher) changeDevice(path dbus.ObjectPath, changed map[string]dbus.Variant, invalidated []string) {
	w.mu.Lock()
	current, ok := w.devices[path]
	if !ok {
		// a change for a device we never saw added, track it from here
		current = make(map[string]dbus.Variant, len(changed))
		w.devices[path] = current
	}
	maps.Copy(current, changed)
	for _, key := range invalidated {
		delete(current, key)
	}
	id := IdentityFromProperties(path, current)
	subs := w.subscribersLocked(path)
	w.mu.Unlock()

	keys := slices.Sorted(maps.Keys(changed))
	keys = append(keys, invalidated...)
	w.notify(subs, id, keys)
	w.publish(id)
}

func (w *Watcher) removeDevice(path dbus.ObjectPath) {
	w.mu.Lock()
	props, ok := w.devices[path]
	delete(w.devices, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	id := IdentityFromProperties(path, props)
	id.Connected = false
	w.logger.Debugf("device %s removed", path)
	w.publish(id)
}

// subscribersLocked must be called with mu held.
func (w *Watcher) subscribersLocked(path dbus.ObjectPath) []ChangeFunc {
	subs := w.subs[path]
	if len(subs) == 0 {
		return nil
	}
	out := make([]ChangeFunc, 0, len(subs))
	for _, id := range slices.Sorted(maps.Keys(subs)) {
		out = append(out, subs[id])
	}
	return out
}

func (w *Watcher) notify(subs []ChangeFunc, id DeviceIdentity, changed []string) {
	for _, fn := range subs {
		fn(id.Clone(), changed)
	}
}

func (w *Watcher) publish(id DeviceIdentity) {
	select {
	case w.updates <- id:
	case <-w.done:
	}
}
