//go:build !linux

package autoinst

import "errors"

var requiredCaps []capDesc

func KernelVersion() (major, minor int) {
	return 0, 0
}

func CheckOSCapabilities() error {
	return errors.New("only linux is supported")
}

func KernelLockdownMode() KernelLockdown {
	return KernelLockdownOther
}
