// Package live reads the memory of a running Linux process.
//
// Reads use process_vm_readv(2) and fall back to pread(2) on /proc/<pid>/mem
// when the syscall is unavailable. The inspector needs ptrace access to the
// target (same user with ptrace_scope 0, or CAP_SYS_PTRACE).
//
// Heap walks assume the target is not running. Set Config.Freeze to stop the
// process with SIGSTOP for the lifetime of the transport.
package live

import "github.com/rs/zerolog"

// Config configures a live transport.
type Config struct {
	// Pid is the target process.
	Pid int

	// Freeze stops the target on Open and continues it on Close.
	Freeze bool

	// DisableProcessVM forces the /proc/<pid>/mem path.
	DisableProcessVM bool

	Logger zerolog.Logger
}
