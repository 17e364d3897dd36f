package spawner

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/coriolis-systems/jobd/domain/job"
)

// sysProcAttr builds the fork/exec attributes implied by a class's
// credential/chroot policy. Setsid detaches the child into its own
// session so a supervisor-directed signal never fans out to the
// supervisor's own process group.
func sysProcAttr(class *job.Class) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if class.Chroot != "" {
		attr.Chroot = class.Chroot
	}
	if class.UID != nil || class.GID != nil {
		cred := &syscall.Credential{}
		if class.UID != nil {
			cred.Uid = *class.UID
		}
		if class.GID != nil {
			cred.Gid = *class.GID
		}
		attr.Credential = cred
	}
	return attr
}

// applyPostSpawnPolicy applies the class settings that can only be set
// against an already-running pid rather than via SysProcAttr: umask was
// applied around Start() by the caller, so this covers nice, OOM score
// adjustment, and rlimits.
func applyPostSpawnPolicy(class *job.Class, pid int) error {
	if class.Nice != 0 {
		if err := syscall.Setpriority(syscall.PRIO_PROCESS, pid, class.Nice); err != nil {
			return fmt.Errorf("spawner: setpriority: %w", err)
		}
	}
	if class.OOMScoreAdjust != 0 {
		if err := writeOOMScoreAdjust(pid, class.OOMScoreAdjust); err != nil {
			return fmt.Errorf("spawner: oom_score_adj: %w", err)
		}
	}
	for _, rl := range class.RLimits {
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Prlimit(pid, rl.Resource, &lim, nil); err != nil {
			return fmt.Errorf("spawner: prlimit(resource=%d): %w", rl.Resource, err)
		}
	}
	return nil
}

func writeOOMScoreAdjust(pid, value int) error {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644)
}

// withUmask runs fn with the process umask temporarily set to mask,
// restoring the previous umask afterward. Umask is process-wide, not
// per-thread, so this brackets only the fork+exec call in Spawn -- the
// same discipline the scheduler's single-goroutine design already
// assumes for every other piece of job state.
func withUmask(mask uint32, fn func() error) error {
	if mask == 0 {
		return fn()
	}
	old := syscall.Umask(int(mask))
	defer syscall.Umask(old)
	return fn()
}
