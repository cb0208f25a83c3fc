// Package monitor is the fallback driver for the built-in families: it drains the channel and logs the raw
// traffic so the link stays serviced until a vendor driver takes over.
package monitor

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/budslink/agent/bluez"
	"github.com/budslink/agent/detection"
	"github.com/budslink/agent/drivers"
	"github.com/budslink/agent/drivers/registry"
	"github.com/budslink/agent/profiles"
)

const (
	readBufferSize = 1024

	TrafficLoggerName = "bytes"
)

func init() {
	for _, family := range []string{detection.FamilyAirpods, detection.FamilySonyV1, detection.FamilySonyV2} {
		registry.Register(family, NewDriver)
	}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

type Monitor struct {
	logger logging.Logger
	// raw traffic, tagged BYT in the runtime log
	traffic logging.Logger
	channel *profiles.Channel

	mu      sync.Mutex
	started bool
	bytes   int
	readErr error
	done    chan struct{}
}

func NewDriver(ctx context.Context, logger logging.Logger, channel *profiles.Channel,
	id bluez.DeviceIdentity,
) (drivers.Driver, error) {
	if channel == nil || channel.Stream == nil {
		return nil, errw.Errorf("no channel for %s", id.Path)
	}
	return &Monitor{
		logger:  logger,
		traffic: logger.Sublogger(TrafficLoggerName),
		channel: channel,
		done:    make(chan struct{}),
	}, nil
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	goutils.PanicCapturingGoWithCallback(m.read, func(err any) {
		m.logger.Errorf("monitor reader panicked: %v", err)
	})
	m.logger.Infof("monitoring %s channel of %s", m.channel.Family, m.channel.DevicePath)
	return nil
}

func (m *Monitor) read() {
	defer close(m.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := m.channel.Stream.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.bytes += n
			m.mu.Unlock()
			m.traffic.Debugf("%s <- %s", m.channel.DevicePath, hex.EncodeToString(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				m.mu.Lock()
				m.readErr = err
				m.mu.Unlock()
				m.logger.Warn(errw.Wrapf(err, "reading from %s", m.channel.DevicePath))
			}
			return
		}
	}
}

// Write sends raw bytes to the device.
func (m *Monitor) Write(p []byte) (int, error) {
	m.traffic.Debugf("%s -> %s", m.channel.DevicePath, hex.EncodeToString(p))
	return m.channel.Stream.Write(p)
}

// Stats returns the number of bytes read so far and the read error that stopped the reader, if any.
func (m *Monitor) Stats() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes, m.readErr
}

// Close unblocks the reader when the stream supports deadlines and waits for it. Streams without deadlines
// are unblocked by the channel release that follows.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}

	d, ok := m.channel.Stream.(deadliner)
	if !ok {
		return nil
	}
	if err := d.SetReadDeadline(time.Now()); err != nil {
		return errw.Wrap(err, "interrupting reader")
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
