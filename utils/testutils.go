package utils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// MockAndCreateAgentDirs calls [MockAgentDirs], then creates all those
// directories. It returns the temporary directory that is the parent of the
// agent directories.
func MockAndCreateAgentDirs(t *testing.T) string {
	t.Helper()
	td := MockAgentDirs(t)
	for _, dir := range AgentDirs.Values() {
		err := os.MkdirAll(dir, 0o700)
		test.That(t, err, test.ShouldBeNil)
	}
	return td
}

// MockAgentDirs replaces utils.AgentDirs members with paths in
// t.TempDir for duration of test. It returns the temporary directory that is
// the parent of the agent directories.
func MockAgentDirs(t *testing.T) string {
	t.Helper()
	old := AgentDirs
	t.Cleanup(func() {
		AgentDirs = old
	})
	td := t.TempDir()
	AgentDirs = AgentDirsData{
		Config: filepath.Join(td, "config", "budslink"),
		State:  filepath.Join(td, "state", "budslink"),
		Tmp:    filepath.Join(td, "run", "budslink"),
	}
	return td
}

func MockBuildInfo(t *testing.T, version, revision string) {
	originalVersion := Version
	originalRevision := GitRevision
	t.Cleanup(func() {
		Version = originalVersion
		GitRevision = originalRevision
	})
	Version = version
	GitRevision = revision
}
