package privilege

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	CapDacOverride = 1  // CAP_DAC_OVERRIDE
	CapSysPtrace   = 19 // CAP_SYS_PTRACE
)

// ProcStatus is the status file whose CapEff line HasCapability reads.
var ProcStatus = "/proc/self/status"

// HasCapability reports whether capability bit capBit is in the effective
// set. It is false when the set cannot be read.
func HasCapability(capBit int) bool {
	mask, err := readCapabilityBitmask(ProcStatus, "CapEff")
	if err != nil {
		return false
	}
	return hasCapability(mask, capBit)
}

// readCapabilityBitmask reads a capability bitmask from a proc status file.
func readCapabilityBitmask(procStatusPath, capName string) (uint64, error) {
	file, err := os.Open(procStatusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", procStatusPath, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		// Format: "CapEff:\t00000000a80435fb"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}
		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}
		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", procStatusPath, err)
	}
	return 0, fmt.Errorf("%s not found in %s", capName, procStatusPath)
}

func hasCapability(bitmask uint64, capBit int) bool {
	return bitmask&(1<<uint(capBit)) != 0
}
