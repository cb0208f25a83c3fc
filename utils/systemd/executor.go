package systemd

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// SystemdExecutor runs systemctl against the user's service manager. It
// primarily exists to enable testing of higher level systemd manipulation via
// mocks or fakes.
type SystemdExecutor interface {
	// IsAvailable returns nil if `systemctl --user --version` succeeds and an
	// error describing why systemd is unavailable otherwise.
	IsAvailable(ctx context.Context) error

	// DaemonReload executes `systemctl --user daemon-reload`.
	DaemonReload(ctx context.Context) error

	// Enable calls `systemctl --user enable` with the provided service name.
	Enable(ctx context.Context, service string) error

	// SystemdSearchPaths gets the user unit search paths from `systemd-path
	// systemd-search-user-unit`, split around `:`.
	SystemdSearchPaths(ctx context.Context) ([]string, error)
}

type realSystemdExecutor struct{}

func systemctl(ctx context.Context, args ...string) error {
	args = append([]string{"--user"}, args...)
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running 'systemctl %s' output: %s", strings.Join(args, " "), output)
	}
	return nil
}

func (s realSystemdExecutor) IsAvailable(ctx context.Context) error {
	return systemctl(ctx, "--version")
}

func (s realSystemdExecutor) Enable(ctx context.Context, service string) error {
	return systemctl(ctx, "enable", service)
}

func (s realSystemdExecutor) DaemonReload(ctx context.Context) error {
	return systemctl(ctx, "daemon-reload")
}

func (s realSystemdExecutor) SystemdSearchPaths(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "systemd-path", "systemd-search-user-unit")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "running 'systemd-path systemd-search-user-unit' output: %s", output)
	}
	return strings.Split(strings.TrimSpace(string(output)), ":"), nil
}
