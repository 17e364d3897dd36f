// Package spawner implements the child-process side of the supervisor's
// external collaborator contract: it forks and execs a class's process
// table entries under the class's credential/rlimit/chroot/cwd/umask/
// console settings, signals running processes, and reports whether a
// recorded pid is still alive after a re-exec snapshot restore.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/coriolis-systems/jobd/domain/job"
	"github.com/coriolis-systems/jobd/internal/errs"
	"github.com/coriolis-systems/jobd/internal/logging"
	"github.com/coriolis-systems/jobd/internal/resilience"
)

// Spawner forks and execs a class's process table under its recorded
// policy and wires up stdio according to the class's console setting. It
// satisfies domain/job.Spawner and domain/job.Killer.
type Spawner struct {
	// LogDir is where per-process stdio is captured when a class's
	// console setting is "log" (the default). Empty disables log
	// capture regardless of console setting, matching --no-log.
	LogDir string

	// DefaultConsole is used for classes that never set Console
	// explicitly (NewClass already defaults this to "log", so this
	// only matters for classes restored from a re-exec snapshot that
	// predates this field, or assembled directly rather than via
	// NewClass).
	DefaultConsole string

	Logger *logging.Logger

	mu       sync.Mutex
	logSinks map[int]string // pid -> path, for LogSink reporting after Spawn returns
}

// New returns a Spawner that writes captured stdio under logDir.
func New(logDir string, logger *logging.Logger) *Spawner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Spawner{
		LogDir:         logDir,
		DefaultConsole: "log",
		Logger:         logger,
		logSinks:       make(map[int]string),
	}
}

// Spawn runs one of class's process-table entries under the class's
// credential/rlimit/chroot/cwd/umask settings, wires up stdio per the
// class's console setting, and returns the live child's pid. The child
// is fully detached from this process's own process group so that
// signaling it later (Signal) targets only the child, not the
// supervisor.
func (s *Spawner) Spawn(ctx context.Context, class *job.Class, processType job.ProcessType, env []string) (int, error) {
	spec, ok := class.Process[processType]
	if !ok || len(spec.Command) == 0 {
		return 0, fmt.Errorf("spawner: class %q defines no %s process", class.Name, processType)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = env
	cmd.Dir = resolveDir(class.Chdir, spec.Dir)
	cmd.SysProcAttr = sysProcAttr(class)

	sink, closeSink, logPath, err := s.wireConsole(class, processType)
	if err != nil {
		return 0, errs.SpawnFailed(class.Name, processType.String(), err)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	startErr := withUmask(class.Umask, cmd.Start)
	if startErr != nil && isTransientSpawnError(startErr) {
		// fork(2) can return EAGAIN/ENOMEM under memory or pid-table
		// pressure that clears within milliseconds; back off and retry
		// a couple of times before surfacing SpawnFailed, rather than
		// letting a momentary resource blip cost the job a respawn
		// attempt against its own RespawnLimit.
		cfg := resilience.DefaultRetryConfig()
		cfg.MaxAttempts = 2
		startErr = resilience.Retry(ctx, cfg, func() error {
			return withUmask(class.Umask, cmd.Start)
		})
	}
	if startErr != nil {
		if closeSink != nil {
			closeSink()
		}
		return 0, errs.SpawnFailed(class.Name, processType.String(), startErr)
	}

	pid := cmd.Process.Pid

	if err := applyPostSpawnPolicy(class, pid); err != nil {
		s.Logger.Warn(ctx, "post-spawn policy application failed", map[string]interface{}{
			"job": class.Name, "process": processType.String(), "pid": pid, "error": err.Error(),
		})
	}

	if logPath != "" {
		s.mu.Lock()
		s.logSinks[pid] = logPath
		s.mu.Unlock()
	}

	// The child is no longer ours to wait on directly -- the scheduler's
	// reaper owns SIGCHLD collection for every pid this spawner hands
	// out, so release cmd's own internal bookkeeping without blocking.
	go func() {
		_ = cmd.Wait()
		if closeSink != nil {
			closeSink()
		}
	}()

	s.Logger.LogSpawn(ctx, class.Name, "", processType.String(), pid, nil)
	return pid, nil
}

// isTransientSpawnError reports whether err is a fork/exec failure worth
// retrying -- resource pressure that is typically gone within
// milliseconds, as opposed to a permanent misconfiguration (bad command,
// missing binary, permission denied).
func isTransientSpawnError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EAGAIN || errno == syscall.ENOMEM
}

// Signal delivers sig to pid. ESRCH (no such process) is swallowed: the
// caller (killProcess's timer escalation, typically) may race a process
// that has already been reaped.
func (s *Spawner) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("spawner: refusing to signal pid %d", pid)
	}
	err := syscall.Kill(pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// IsAlive reports whether pid is still a live process, used to confirm a
// recorded main pid survived the gap between a re-exec snapshot capture
// and its restore (spec scenario: re-exec across a running service).
func (s *Spawner) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	alive, err := proc.IsRunning()
	return err == nil && alive
}

// LogSink returns the captured stdio path recorded for pid, if any, and
// whether one was recorded -- consulted when a job's Reaper notices a
// process has exited and wants to record where its output went.
func (s *Spawner) LogSink(pid int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.logSinks[pid]
	return path, ok
}

func resolveDir(classChdir, specDir string) string {
	if specDir != "" {
		return specDir
	}
	return classChdir
}

func sinkPath(logDir string, class *job.Class, processType job.ProcessType) string {
	name := fmt.Sprintf("%s.%s.log", class.Name, processType)
	return filepath.Join(logDir, name)
}

// wireConsole opens the stdio destination implied by class.Console
// ("none", "output", "owner", or "log"), returning a writer, an optional
// close func the caller must invoke once the child has exited, and the
// captured log path (empty unless the destination is a genuine log
// sink file).
func (s *Spawner) wireConsole(class *job.Class, processType job.ProcessType) (*os.File, func(), string, error) {
	console := class.Console
	if console == "" {
		console = s.DefaultConsole
	}

	switch console {
	case "none":
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, "", err
		}
		return devNull, func() { devNull.Close() }, "", nil
	case "owner", "output":
		return os.Stdout, nil, "", nil
	case "log":
		fallthrough
	default:
		if s.LogDir == "" {
			return os.Stdout, nil, "", nil
		}
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return nil, nil, "", err
		}
		path := sinkPath(s.LogDir, class, processType)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, "", err
		}
		return f, func() { f.Close() }, path, nil
	}
}
