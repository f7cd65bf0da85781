package autoinst

import (
	"fmt"
	"strings"
)

// Minimum required Kernel version: 5.8, which introduced the BPF ring buffer
const minKernMaj, minKernMin = 5, 8

var kernelVersion = KernelVersion

// CheckOSSupport returns an error if the running operating system does not support
// the minimum required features.
func CheckOSSupport() error {
	major, minor := kernelVersion()
	if major < minKernMaj || (major == minKernMaj && minor < minKernMin) {
		return fmt.Errorf("kernel version %d.%d not supported. Minimum required version is %d.%d",
			major, minor, minKernMaj, minKernMin)
	}
	return nil
}

type osCapability uint8

type capDesc struct {
	osCap osCapability
	str   string

	// kernMaj.kernMin is the MAXIMUM kernel version this capability is needed
	kernMaj int
	kernMin int
}

func (c osCapability) String() string {
	for i := range requiredCaps {
		if c == requiredCaps[i].osCap {
			return requiredCaps[i].str
		}
	}
	return "UNKNOWN"
}

type osCapabilitiesError uint64

func (e *osCapabilitiesError) Set(c osCapability) {
	*e |= 1 << c
}

func (e osCapabilitiesError) IsSet(c osCapability) bool {
	return e&(1<<c) > 0
}

func (e osCapabilitiesError) Empty() bool {
	return e == 0
}

func (e osCapabilitiesError) Error() string {
	// linux capabilities fit in 6 bits
	const capMax = 64

	if e == 0 {
		return ""
	}
	var names []string
	for i := osCapability(0); i < capMax; i++ {
		if e.IsSet(i) {
			names = append(names, i.String())
		}
	}
	return fmt.Sprintf("the following capabilities are required: %s", strings.Join(names, ", "))
}

// checkCapabilities returns an osCapabilitiesError listing the required capabilities
// that are not in the effective set
func checkCapabilities(isSet func(osCapability) bool) error {
	var capError osCapabilitiesError
	major, minor := kernelVersion()
	for i := range requiredCaps {
		c := &requiredCaps[i]
		if c.kernMaj == 0 ||
			(major == c.kernMaj && minor <= c.kernMin) ||
			(major < c.kernMaj) {
			if !isSet(c.osCap) {
				capError.Set(c.osCap)
			}
		}
	}
	if capError.Empty() {
		return nil
	}
	return capError
}

// KernelLockdown is the lockdown mode of the running kernel, as reported
// by /sys/kernel/security/lockdown
type KernelLockdown uint8

const (
	KernelLockdownNone KernelLockdown = iota + 1
	KernelLockdownIntegrity
	KernelLockdownConfidentiality
	KernelLockdownOther
)

func (k KernelLockdown) String() string {
	switch k {
	case KernelLockdownNone:
		return "none"
	case KernelLockdownIntegrity:
		return "integrity"
	case KernelLockdownConfidentiality:
		return "confidentiality"
	}
	return "other"
}

// parseLockdown extracts the selected mode, written between brackets
// (e.g. "none [integrity] confidentiality")
func parseLockdown(content string) KernelLockdown {
	start := strings.IndexByte(content, '[')
	end := strings.IndexByte(content, ']')
	if start < 0 || end < start {
		return KernelLockdownOther
	}
	switch content[start+1 : end] {
	case "none":
		return KernelLockdownNone
	case "integrity":
		return KernelLockdownIntegrity
	case "confidentiality":
		return KernelLockdownConfidentiality
	}
	return KernelLockdownOther
}
