// Package privilege inspects the caller's identity and the kernel's ptrace
// policy. Reading another process's memory needs the same credentials as
// attaching a debugger to it.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/gcscope/internal/safe"
)

// YamaPtraceScope is the Yama LSM setting consulted by TraceHint.
var YamaPtraceScope = "/proc/sys/kernel/yama/ptrace_scope"

// UserContext represents the identity of the original user when running under
// privilege escalation.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser extracts user identity, accounting for sudo execution.
// When running under sudo, it returns the original user's context from
// SUDO_USER/SUDO_UID/SUDO_GID environment variables. Otherwise, returns the
// current user's context.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return getCurrentUser()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	ctx := &UserContext{Username: sudoUser, UID: uid, GID: gid}
	if u, err := user.Lookup(sudoUser); err == nil {
		ctx.HomeDir = u.HomeDir
	}
	return ctx, nil
}

func getCurrentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &UserContext{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo checks if the process is running under sudo by checking
// for the SUDO_USER environment variable.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership hands a file created under sudo back to the invoking
// user. It is a no-op unless running as root under sudo.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}
	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}
	return nil
}

// PtraceScope reads the Yama ptrace scope (0-3). ok is false when Yama is
// not enabled.
func PtraceScope() (scope int, ok bool) {
	data, err := safe.ReadFile(YamaPtraceScope, &safe.ReadOptions{MaxSize: 16})
	if err != nil {
		return 0, false
	}
	scope, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return scope, true
}

// TraceHint explains why reading pid's memory is likely to be refused, or
// returns "" when nothing stands in the way.
func TraceHint(pid int) string {
	if pid == os.Getpid() {
		return ""
	}

	scope, yama := PtraceScope()
	if yama && scope >= 3 {
		return "ptrace is disabled system-wide (kernel.yama.ptrace_scope=3)"
	}
	if IsRoot() || HasCapability(CapSysPtrace) {
		return ""
	}
	if yama && scope >= 1 {
		return fmt.Sprintf("kernel.yama.ptrace_scope=%d only allows tracing descendants; run as root or grant CAP_SYS_PTRACE", scope)
	}

	p, err := process.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return ""
	}
	uids, err := p.Uids()
	if err != nil || len(uids) < 2 {
		return ""
	}
	if euid := uint32(os.Geteuid()); uids[0] != euid || uids[1] != euid { // #nosec G115
		return fmt.Sprintf("pid %d runs as uid %d; run as that user or as root", pid, uids[1])
	}
	return ""
}
