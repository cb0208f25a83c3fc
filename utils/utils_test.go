package utils

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestWriteFileIfNew(t *testing.T) {
	contents := []byte("hello")
	path := filepath.Join(t.TempDir(), "nested", "writeme")

	// write new
	written, err := WriteFileIfNew(path, contents)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeTrue)

	// unchanged
	written, err = WriteFileIfNew(path, contents)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeFalse)

	// changed
	written, err = WriteFileIfNew(path, []byte("other contents"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeTrue)
}

func TestInitPaths(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		MockAgentDirs(t)
		err := InitPaths()
		test.That(t, err, test.ShouldBeNil)
		for _, dir := range AgentDirs.Values() {
			info, err := os.Stat(dir)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, info.IsDir(), test.ShouldBeTrue)
		}
	})

	t.Run("existing directories", func(t *testing.T) {
		MockAndCreateAgentDirs(t)
		test.That(t, InitPaths(), test.ShouldBeNil)
	})

	t.Run("failure cannot create directory", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("permissions are not enforced for root")
		}
		td := MockAgentDirs(t)
		err := os.Chmod(td, 0o500)
		test.That(t, err, test.ShouldBeNil)
		t.Cleanup(func() { os.Chmod(td, 0o700) }) //nolint:errcheck
		err = InitPaths()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "creating directory")
	})

	t.Run("failure not directory", func(t *testing.T) {
		MockAgentDirs(t)
		err := os.MkdirAll(filepath.Dir(AgentDirs.State), os.ModePerm)
		test.That(t, err, test.ShouldBeNil)
		f, err := os.Create(AgentDirs.State)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)
		err = InitPaths()
		test.That(t, err, test.ShouldBeError, AgentDirs.State+" should be a directory, but is not")
	})
}

func TestVersionDefaults(t *testing.T) {
	MockBuildInfo(t, "", "")
	test.That(t, GetVersion(), test.ShouldEqual, "custom")
	test.That(t, GetRevision(), test.ShouldEqual, "unknown")

	MockBuildInfo(t, "0.3.1", "abc123")
	test.That(t, GetVersion(), test.ShouldEqual, "0.3.1")
	test.That(t, GetRevision(), test.ShouldEqual, "abc123")
}

func TestRecover(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var recovered any
	func() {
		defer Recover(logger, func(r any) { recovered = r })
		panic(errors.New("boom"))
	}()
	test.That(t, recovered, test.ShouldNotBeNil)
	test.That(t, recovered.(error).Error(), test.ShouldEqual, "boom")
}
