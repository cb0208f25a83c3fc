// Package utils contains helper functions shared between the agent and its packages
package utils

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	// versions embedded at build time.
	Version     = ""
	GitRevision = ""

	AgentDirs = AgentDirsData{}
)

// AgentDirsData lists the per-user directories used by the agent.
type AgentDirsData struct {
	Config string
	State  string
	Tmp    string
}

// Values returns all of the directories, for creation and permission checks.
func (d AgentDirsData) Values() []string {
	return []string{d.Config, d.State, d.Tmp}
}

// GetVersion returns the version embedded at build time.
func GetVersion() string {
	if Version == "" {
		return "custom"
	}
	return Version
}

// GetRevision returns the git revision embedded at build time.
func GetRevision() string {
	if GitRevision == "" {
		return "unknown"
	}
	return GitRevision
}

func init() {
	AgentDirs = AgentDirsData{
		Config: filepath.Join(ConfigHome(), "budslink"),
		State:  filepath.Join(xdgDir("XDG_STATE_HOME", ".local/state"), "budslink"),
		Tmp:    filepath.Join(runtimeDir(), "budslink"),
	}
}

func xdgDir(env, homeRelative string) string {
	if dir := os.Getenv(env); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), homeRelative)
	}
	return filepath.Join(home, homeRelative)
}

// ConfigHome is $XDG_CONFIG_HOME, or ~/.config when unset.
func ConfigHome() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	return os.TempDir()
}

func InitPaths() error {
	uid := os.Getuid()
	expectedPerms := os.FileMode(0o700)
	for _, p := range AgentDirs.Values() {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if err := os.MkdirAll(p, expectedPerms); err != nil {
					return errw.Wrapf(err, "creating directory %s", p)
				}
				continue
			}
			return errw.Wrapf(err, "checking directory %s", p)
		}
		if err := checkPathOwner(uid, info); err != nil {
			return err
		}
		if !info.IsDir() {
			return errw.Errorf("%s should be a directory, but is not", p)
		}
	}
	return nil
}

// WriteFileIfNew returns true if contents changed and a write happened.
func WriteFileIfNew(outPath string, data []byte) (bool, error) {
	//nolint:gosec
	curFileBytes, err := os.ReadFile(outPath)
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	//nolint:gosec
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return true, errw.Wrapf(err, "creating directory for %s", outPath)
	}

	//nolint:gosec
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return true, errw.Wrapf(err, "writing %s", outPath)
	}

	return true, SyncFS(outPath)
}

func Recover(logger logging.Logger, inner func(r any)) {
	// if something panicked, log it and allow things to continue
	r := recover()
	if r != nil {
		logger.Error("encountered a panic, attempting to recover")
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}
