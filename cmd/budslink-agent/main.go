//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/budslink/agent"
	"github.com/budslink/agent/bluez"
	// registers the fallback driver of the built-in families
	_ "github.com/budslink/agent/drivers/monitor"
	"github.com/budslink/agent/profiles"
	"github.com/budslink/agent/utils"
	"github.com/budslink/agent/utils/systemd"
)

const shutdownTimeout = time.Second * 45

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger(agent.SubsystemName)
)

//nolint:lll
type agentOpts struct {
	Config      string `description:"Path to config file"                              long:"config"                 short:"c"`
	Debug       bool   `description:"Enable debug logging"                             env:"BUDSLINK_DEBUG"          long:"debug"   short:"d"`
	Help        bool   `description:"Show this help message"                           long:"help"                   short:"h"`
	Version     bool   `description:"Show version"                                     long:"version"                short:"v"`
	Install     bool   `description:"Install systemd user service"                     long:"install"`
	NoPrechecks bool   `description:"Skip the bluetoothd presence and version checks" long:"no-prechecks"`
	DevMode     bool   `description:"Allow running as root"                            env:"BUDSLINK_DEVMODE"        long:"dev-mode"`
}

func commonMain() {
	ctx, cancel := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts agentOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "runs as a user service and enables vendor features of supported Bluetooth headphones."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return
	}

	if opts.Debug {
		utils.CLIDebug = true
		globalLogger.SetLevel(logging.DEBUG)
	}
	if opts.Config != "" {
		absConfigPath, err := filepath.Abs(opts.Config)
		exitIfError(err)
		utils.ConfigFilePath = absConfigPath
	}

	// profiles are registered on the system bus per user session, running as root makes no sense
	curUser, err := user.Current()
	exitIfError(err)
	if curUser.Uid == "0" && !opts.DevMode {
		//nolint:forbidigo
		fmt.Printf("%s is intended to run as your desktop user, not root.\n", agent.SubsystemName)
		return
	}

	if opts.Install {
		exitIfError(install(ctx))
		return
	}

	// set up folder structure
	exitIfError(utils.InitPaths())

	// use a lockfile to prevent running two agents for the same user
	pidFile, err := getLock()
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	// an invalid file still yields a usable config with defaults in place of bad values
	cfg, err := utils.LoadConfig(utils.ConfigFilePath)
	if err != nil {
		globalLogger.Warn(err)
	}
	if cfg.Debug.Get() {
		globalLogger.SetLevel(logging.DEBUG)
	}

	runtimeLog := agent.NewRuntimeLog(utils.AgentDirs.State, cfg.LogFileMaxMegabytes)
	globalLogger.AddAppender(runtimeLog)
	defer func() {
		goutils.UncheckedError(runtimeLog.Close())
	}()

	globalLogger.Infof("BudsLink Agent Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())
	globalLogger.Debugf("runtime log at %s", runtimeLog.Path())

	conn, err := bluez.SystemBus()
	exitIfError(err)

	if !opts.NoPrechecks {
		exitIfError(bluez.CheckBlueZ(conn))
		if err := bluez.CheckBluetoothdVersion(ctx, globalLogger); err != nil {
			globalLogger.Warn(err)
		}
	}

	watcher := bluez.NewWatcher(conn, globalLogger.Sublogger("bluez"))
	engine := profiles.NewEngine(
		bluez.NewProfileService(conn, globalLogger.Sublogger("profiles")),
		globalLogger.Sublogger("channels"),
		profiles.WithRetryPeriod(time.Duration(cfg.RetryPeriod)),
		profiles.WithDirectiveTimeout(time.Duration(cfg.DirectiveTimeout)),
	)
	manager := agent.NewManager(globalLogger.Sublogger("devices"), cfg, watcher, engine)

	exitIfError(watcher.Start(ctx))

	activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer activeBackgroundWorkers.Done()
		manager.Run(ctx, watcher.Updates())
	})

	<-ctx.Done()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	manager.Close(closeCtx)
	engine.Close(closeCtx)
	watcher.Close()
}

func install(ctx context.Context) error {
	if err := utils.InitPaths(); err != nil {
		return err
	}
	binPath, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "getting path to self")
	}
	binPath, err = filepath.EvalSymlinks(binPath)
	if err != nil {
		return errors.Wrap(err, "resolving path to self")
	}

	contents, err := systemd.UnitFile(binPath, utils.ConfigFilePath)
	if err != nil {
		return err
	}
	manager := systemd.NewSystemdManager(globalLogger)
	unitPath, newInstall, err := manager.InstallService(ctx, systemd.ServiceName, contents)
	if err != nil {
		return err
	}

	globalLogger.Infof("installed %s", unitPath)
	if newInstall {
		//nolint:forbidigo
		fmt.Printf("Start the agent with 'systemctl --user start %s'\n", systemd.ServiceName)
	} else {
		//nolint:forbidigo
		fmt.Printf("Service updated, apply with 'systemctl --user restart %s'\n", systemd.ServiceName)
	}
	return nil
}

func setupExitSignalHandling() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM:
				globalLogger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return

			// config is only read at startup
			case syscall.SIGHUP:

			// log everything else
			default:
				if !ignoredSignal(sig) {
					globalLogger.Debugw("received unknown signal", "signal", sig)
				}
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGHUP)
	return ctx, cancel
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}

func getLock() (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(utils.AgentDirs.Tmp, agent.SubsystemName+".pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	globalLogger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		globalLogger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// a leftover lockfile may name a PID that was reused by some other process after a crash
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				globalLogger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else if runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid)); err != nil {
				globalLogger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
				staleFile = true
			} else if !strings.Contains(runPath, agent.SubsystemName) {
				globalLogger.Warnf("lockfile owner isn't %s", agent.SubsystemName)
				staleFile = true
			}
			if staleFile {
				globalLogger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of %s is already running with PID: %d", agent.SubsystemName, proc.Pid)
		}
	}
	return "", err
}
