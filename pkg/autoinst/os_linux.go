package autoinst

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var requiredCaps = []capDesc{
	{osCap: unix.CAP_BPF, str: "CAP_BPF"},
	{osCap: unix.CAP_DAC_READ_SEARCH, str: "CAP_DAC_READ_SEARCH"},
	{osCap: unix.CAP_PERFMON, str: "CAP_PERFMON"},
	{osCap: unix.CAP_SYS_PTRACE, str: "CAP_SYS_PTRACE"},
	{osCap: unix.CAP_SYS_RESOURCE, str: "CAP_SYS_RESOURCE", kernMaj: 5, kernMin: 10},
}

var lockdownPath = "/sys/kernel/security/lockdown"

// KernelVersion returns the major and minor version of the running kernel
func KernelVersion() (major, minor int) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return 0, 0
	}
	release := unix.ByteSliceToString(uname.Release[:])
	_, _ = fmt.Sscanf(release, "%d.%d", &major, &minor)
	return major, minor
}

// From the capget(2) manpage:
// Note that 64-bit capabilities use datap[0] and datap[1], whereas 32-bit capabilities use only datap[0].
type capUserData [2]unix.CapUserData

func isCapSet(data *capUserData, c osCapability) bool {
	return (data[c>>5].Effective & (1 << (c & 31))) > 0
}

// CheckOSCapabilities returns an error listing the missing capabilities that are
// required to attach the probes and read the memory of the instrumented process
func CheckOSCapabilities() error {
	data := capUserData{}
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3, Pid: int32(os.Getpid())}
	if err := unix.Capget(&header, &data[0]); err != nil {
		return fmt.Errorf("unable to query OS capabilities: %w", err)
	}
	return checkCapabilities(func(c osCapability) bool {
		return isCapSet(&data, c)
	})
}

// KernelLockdownMode returns the lockdown mode of the kernel. If the lockdown file
// does not exist, lockdown is not supported by the kernel. If it exists but can't be
// read, the most usual restrictive mode (integrity) is assumed.
func KernelLockdownMode() KernelLockdown {
	content, err := os.ReadFile(lockdownPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return KernelLockdownNone
		}
		return KernelLockdownIntegrity
	}
	if strings.TrimSpace(string(content)) == "" {
		return KernelLockdownIntegrity
	}
	return parseLockdown(string(content))
}
