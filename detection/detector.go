package detection

import (
	"slices"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/budslink/agent/bluez"
)

// Notifier delivers Device1 property changes for a single device.
type Notifier interface {
	Subscribe(path dbus.ObjectPath, fn bluez.ChangeFunc) (cancel func(), err error)
	Identity(path dbus.ObjectPath) (bluez.DeviceIdentity, bool)
}

// VerdictFunc receives the definitive verdict of a device that was pending.
type VerdictFunc func(id bluez.DeviceIdentity, res Result)

// detectionState exists only while a device is pending, and always holds a live subscription.
type detectionState struct {
	index   int
	watched []string
	cancel  func()
}

type Detector struct {
	notifier  Notifier
	rules     []Rule
	logger    logging.Logger
	onVerdict VerdictFunc

	mu     sync.Mutex
	states map[dbus.ObjectPath]*detectionState
}

func NewDetector(notifier Notifier, rules []Rule, logger logging.Logger, onVerdict VerdictFunc) *Detector {
	return &Detector{
		notifier:  notifier,
		rules:     slices.Clone(rules),
		logger:    logger,
		onVerdict: onVerdict,
		states:    make(map[dbus.ObjectPath]*detectionState),
	}
}

// Rules returns the rule list in evaluation order.
func (d *Detector) Rules() []Rule {
	return slices.Clone(d.rules)
}

// Detect evaluates id. A Pending result means the detector keeps watching the device and will report the final
// verdict through the VerdictFunc; calling Detect again for a pending device only returns Pending.
func (d *Detector) Detect(id bluez.DeviceIdentity) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if state, ok := d.states[id.Path]; ok {
		return Result{Verdict: Pending, Rule: &d.rules[state.index], index: state.index}
	}

	res := d.evaluate(id, 0)
	if res.Verdict != Pending {
		return res
	}

	state := &detectionState{index: res.index, watched: slices.Clone(res.Rule.RequiredFields)}
	cancel, err := d.notifier.Subscribe(id.Path, func(id bluez.DeviceIdentity, changed []string) {
		d.handleChange(state, id, changed)
	})
	if err != nil {
		d.logger.Warn(errw.Wrapf(err, "watching %s for %s descriptors", id.Path, res.Rule.Family))
		return Result{Verdict: Unsupported, Errs: append(res.Errs, err), index: len(d.rules)}
	}
	state.cancel = cancel
	d.states[id.Path] = state

	// descriptors may have arrived between the snapshot and the subscription
	if current, ok := d.notifier.Identity(id.Path); ok {
		if again := d.evaluate(current, state.index); again.Verdict != Pending {
			d.dropLocked(id.Path, state)
			return again
		} else if again.index != state.index {
			state.index = again.index
			state.watched = slices.Clone(again.Rule.RequiredFields)
			res = again
		}
	}

	d.logger.Debugf("%s pending on %s fields %v", id.Path, res.Rule.Family, state.watched)
	return res
}

// Forget drops any pending detection for path without producing a verdict.
func (d *Detector) Forget(path dbus.ObjectPath) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.states[path]; ok {
		d.dropLocked(path, state)
	}
}

// Pending returns the number of devices being watched.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}

// IsPending reports whether path is being watched.
func (d *Detector) IsPending(path dbus.ObjectPath) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[path]
	return ok
}

func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, state := range d.states {
		d.dropLocked(path, state)
	}
}

func (d *Detector) handleChange(state *detectionState, id bluez.DeviceIdentity, changed []string) {
	d.mu.Lock()
	if d.states[id.Path] != state {
		// forgotten or replaced while the notification was in flight
		d.mu.Unlock()
		return
	}
	if !touches(changed, state.watched) {
		d.mu.Unlock()
		return
	}

	res := d.evaluate(id, state.index)
	if res.Verdict == Pending {
		if res.index != state.index {
			d.logger.Debugf("%s now pending on %s fields %v", id.Path, res.Rule.Family, res.Rule.RequiredFields)
			state.index = res.index
			state.watched = slices.Clone(res.Rule.RequiredFields)
		}
		d.mu.Unlock()
		return
	}
	d.dropLocked(id.Path, state)
	d.mu.Unlock()

	d.logger.Debugf("%s resolved as %s %s", id.Path, res.Verdict, res.Family)
	if d.onVerdict != nil {
		d.onVerdict(id, res)
	}
}

func (d *Detector) evaluate(id bluez.DeviceIdentity, start int) Result {
	res := evaluateFrom(id, d.rules, start)
	for _, err := range res.Errs {
		d.logger.Warn(err)
	}
	return res
}

// dropLocked must be called with mu held.
func (d *Detector) dropLocked(path dbus.ObjectPath, state *detectionState) {
	delete(d.states, path)
	if state.cancel != nil {
		state.cancel()
	}
}
