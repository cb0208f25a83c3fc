// Package systemd installs budslink-agent as a systemd user service.
package systemd

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	conf "github.com/sergeymakinen/go-systemdconf/v2/unit"
	"go.viam.com/rdk/logging"

	"github.com/budslink/agent/utils"
)

const ServiceName = "budslink-agent"

// Annoying workaround to allow embedding SystemdExecutor in SystemdManager w/o
// allowing it to be modified from outside the module.
type privateExecutor = SystemdExecutor

// SystemdManager provides methods for making high-level changes to systemd
// user services.
type SystemdManager struct {
	privateExecutor
	unitDir string
	logger  logging.Logger
}

// SystemdManagerOption is a type used to configure the [SystemdManager]
// returned from [NewSystemdManager].
type SystemdManagerOption func(*SystemdManager)

// WithExecutor configures the created [SystemdManager] with a custom
// [SystemdExecutor] implementation. Should only be used for testing.
func WithExecutor(executor SystemdExecutor) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.privateExecutor = executor
	}
}

// WithUnitDir installs units into dir instead of ~/.config/systemd/user.
// Should only be used for testing.
func WithUnitDir(dir string) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.unitDir = dir
	}
}

func NewSystemdManager(logger logging.Logger, opts ...SystemdManagerOption) *SystemdManager {
	manager := &SystemdManager{
		logger:          logger,
		privateExecutor: realSystemdExecutor{},
		unitDir:         filepath.Join(utils.ConfigHome(), "systemd", "user"),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// UnitFile renders the user service running binPath with the config file at configPath.
func UnitFile(binPath, configPath string) ([]byte, error) {
	unit := &conf.ServiceFile{
		Unit: conf.UnitSection{
			Description: sysd.Value{"BudsLink enhanced headphone support"},
			After:       sysd.Value{"bluetooth.target"},
			Wants:       sysd.Value{"bluetooth.target"},
		},
		Service: conf.ServiceSection{
			Type:       sysd.Value{"exec"},
			ExecStart:  sysd.Value{binPath + " --config " + configPath},
			Restart:    sysd.Value{"on-failure"},
			RestartSec: sysd.Value{"5"},
			// above the 30s the manager waits for drivers to stop
			TimeoutStopSec: sysd.Value{"60"},
		},
		Install: conf.InstallSection{
			WantedBy: sysd.Value{"default.target"},
		},
	}
	out, err := sysd.Marshal(unit)
	if err != nil {
		return nil, errors.Wrap(err, "rendering service file")
	}
	return out, nil
}

// InstallService creates or updates the unit file of serviceName. It returns
// the path of the installed unit and true if the unit did not exist before.
func (s *SystemdManager) InstallService(ctx context.Context, serviceName string, contents []byte) (string, bool, error) {
	if err := s.IsAvailable(ctx); err != nil {
		return "", false, errors.Wrap(err, "can only install on systems using systemd")
	}

	searchPaths, err := s.SystemdSearchPaths(ctx)
	if err != nil {
		return "", false, err
	}
	if !slices.Contains(searchPaths, s.unitDir) {
		s.logger.Warnf("%s is not in the systemd user unit search path, the service may not be found", s.unitDir)
	}

	unitPath := filepath.Join(s.unitDir, serviceName+".service")
	// a unit that already exists may have been disabled by the user, it is not re-enabled
	_, err = os.Stat(unitPath)
	newInstall := err != nil

	s.logger.Infof("writing systemd service file to %s", unitPath)
	changed, err := utils.WriteFileIfNew(unitPath, contents)
	if err != nil {
		return "", false, errors.Wrapf(err, "writing systemd service file %s", unitPath)
	}
	if changed {
		if err := s.DaemonReload(ctx); err != nil {
			return "", false, err
		}
	}

	if newInstall {
		s.logger.Infof("enabling systemd user service %s", serviceName)
		if err := s.Enable(ctx, serviceName); err != nil {
			return "", false, err
		}
	}
	return unitPath, newInstall, nil
}
