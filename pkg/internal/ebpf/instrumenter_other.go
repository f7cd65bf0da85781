//go:build !linux

package ebpf

import (
	"errors"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/exec"
)

// NewAttacher is only available in Linux. Other systems can build the binary but can't instrument.
func NewAttacher(_ *ebpfcommon.TracerConfig, _ *exec.FileInfo, _ ebpfcommon.ArgumentSource) (Attacher, error) {
	return nil, errors.New("instrumentation is only supported in Linux")
}
