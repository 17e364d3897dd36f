// Command jobd is the supervisor binary: it owns the job state machine,
// the event engine, and the re-exec state snapshot (spec.md §§1-3),
// exposing them over the control HTTP surface implemented in
// internal/control.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coriolis-systems/jobd/internal/classfile"
	"github.com/coriolis-systems/jobd/internal/config"
	"github.com/coriolis-systems/jobd/internal/control"
	"github.com/coriolis-systems/jobd/internal/envutil"
	"github.com/coriolis-systems/jobd/internal/logging"
	"github.com/coriolis-systems/jobd/internal/metrics"
	"github.com/coriolis-systems/jobd/internal/scheduler"
	"github.com/coriolis-systems/jobd/internal/spawner"
	"github.com/coriolis-systems/jobd/pkg/version"
)

const serviceName = "jobd"

func main() {
	if err := run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "jobd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string) error {
	opts, err := config.Parse(serviceName, argv[1:])
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	logger := logging.NewFromEnv(serviceName)
	logger.Info(ctx, "starting", map[string]interface{}{
		"version":  version.Version,
		"restart":  opts.Restarted,
		"confdir":  opts.ConfDir,
		"listen":   opts.Listen,
	})

	sp := spawner.New(opts.LogDir, logger)
	met := metrics.New(serviceName, version.Version)

	base := scheduler.NewBase(&scheduler.BaseConfig{ID: serviceName, Version: version.Version, Logger: logger})
	core := scheduler.New(base, sp, met, serviceName)

	if opts.Restarted {
		base.WithHydrate(func(ctx context.Context) error {
			data, rerr := readStateFD(opts.StateFD)
			if rerr != nil {
				logger.Error(ctx, "reading re-exec state fd failed, booting fresh", rerr, nil)
				return nil
			}
			if herr := core.Hydrate(ctx, data); herr != nil {
				logger.Error(ctx, "restoring re-exec snapshot failed, booting fresh", herr, nil)
			}
			return nil
		})
	}

	if err := base.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	classes, err := classfile.LoadDir(opts.ConfDir, opts.DefaultConsole, opts.Runtime.DefaultKillTimeout)
	if err != nil {
		return fmt.Errorf("load classes: %w", err)
	}
	for _, cl := range classes {
		core.LoadClass(cl)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- core.Run(runCtx) }()

	if opts.StartupEvent != "" {
		if err := core.Emit(ctx, opts.StartupEvent, nil, "", false); err != nil {
			logger.Warn(ctx, "emitting startup event failed", map[string]interface{}{"error": err.Error()})
		}
	}

	authSecret := envutil.ResolveString("", "JOBD_AUTH_SECRET", "")
	var auth *control.Authenticator
	if opts.SessionsEnabled {
		secret := []byte(authSecret)
		if len(secret) == 0 {
			secret = randomSecret(32)
			logger.Warn(ctx, "JOBD_AUTH_SECRET not set, generated an ephemeral signing secret; tokens will not survive a restart", nil)
		}
		auth = control.NewAuthenticator(secret, false)
		token, terr := auth.IssueToken("root")
		if terr == nil {
			logger.Info(ctx, "issued bootstrap session token", map[string]interface{}{"token": token})
		}
	} else {
		auth = control.NewAuthenticator(nil, true)
	}

	limiter := control.NewSessionLimiter(10, 20)
	probes := control.NewProbeManager(30 * time.Second)
	health := control.NewDeepHealthChecker(5 * time.Second)
	health.Register("scheduler", func(ctx context.Context) *control.ComponentHealth {
		status := "healthy"
		if !base.Ready() {
			status = "degraded"
		}
		return &control.ComponentHealth{Name: "scheduler", Status: status, CheckedAt: time.Now()}
	})

	server := control.NewServer(core, auth, limiter, probes, health, logger)
	httpServer := &http.Server{Addr: opts.Listen, Handler: server.Router()}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()
	probes.SetReady(true)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-runDone:
			shutdownHTTP(httpServer)
			return err
		case err := <-serveErr:
			if err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "control HTTP server exited", err, nil)
			}
			cancelRun()
			base.Stop()
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if rerr := reexec(ctx, core, logger, argv); rerr != nil {
					logger.Error(ctx, "re-exec failed, continuing as-is", rerr, nil)
				}
				// reexec only returns on failure; a success replaces this
				// process image and never reaches here.
			default:
				logger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
				shutdownHTTP(httpServer)
				cancelRun()
				base.Stop()
				<-runDone
				return nil
			}
		}
	}
}

func shutdownHTTP(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}

func readStateFD(fd int) ([]byte, error) {
	f := os.NewFile(uintptr(fd), "jobd-state")
	if f == nil {
		return nil, fmt.Errorf("invalid state fd %d", fd)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func randomSecret(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return []byte("jobd-fallback-secret-do-not-use-in-production")
	}
	return buf
}

// reexec captures the live state graph into an unlinked temp file,
// clears close-on-exec on its descriptor, and replaces this process
// image with a fresh copy of the same binary reading that descriptor
// via --restart --state-fd -- the supervisor's self-replacement while
// preserving every running job's pid (spec.md §6.4, §8 scenario 6).
func reexec(ctx context.Context, core *scheduler.Core, logger *logging.Logger, argv []string) error {
	data, err := core.Capture()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}

	f, err := os.CreateTemp("", "jobd-state-*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("write state file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("rewind state file: %w", err)
	}
	os.Remove(name) // unlinked; the fd stays valid across exec

	if err := clearCloseOnExec(int(f.Fd())); err != nil {
		f.Close()
		return fmt.Errorf("clear close-on-exec: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		f.Close()
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{exe, "--restart", "--state-fd", strconv.Itoa(int(f.Fd()))}
	args = append(args, filterReexecFlags(argv[1:])...)

	logger.Info(ctx, "re-executing", map[string]interface{}{"exe": exe, "fd": f.Fd()})
	return syscall.Exec(exe, args, os.Environ())
}

// filterReexecFlags strips --restart/--state-fd (and their values) from a
// prior invocation's argv so reexec can append a fresh pair without
// duplicates.
func filterReexecFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--restart":
			continue
		case "--state-fd":
			i++ // skip its value too
			continue
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func clearCloseOnExec(fd int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), uintptr(syscall.F_SETFD), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
