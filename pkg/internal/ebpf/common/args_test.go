package ebpfcommon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/rust-autoinstrument/pkg/internal/testutil"
)

func TestArgumentSource_Registers(t *testing.T) {
	type testCase struct {
		arch    string
		regs    map[int]uint64
		maxArgs int
	}
	for _, tc := range []testCase{{
		arch:    "amd64",
		regs:    map[int]uint64{1: 14, 2: 13, 3: 12, 4: 11, 5: 9, 6: 8},
		maxArgs: 6,
	}, {
		arch:    "arm64",
		regs:    map[int]uint64{1: 0, 2: 1, 3: 2, 4: 3, 5: 4, 6: 5, 7: 6, 8: 7},
		maxArgs: 8,
	}} {
		t.Run(tc.arch, func(t *testing.T) {
			src, err := NewArgumentSource(tc.arch, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.arch, src.Arch())

			ctx := ProbeContext{}
			for i := range ctx.Regs {
				ctx.Regs[i] = 0x1000 + uint64(i)
			}
			for pos, reg := range tc.regs {
				assert.Equalf(t, 0x1000+reg, src.Arg(&ctx, pos), "argument %d", pos)
			}
			assert.Zero(t, src.Arg(&ctx, 0))
			assert.Zero(t, src.Arg(&ctx, tc.maxArgs+1))
			assert.Zero(t, src.Arg(nil, 1))
		})
	}
}

func TestArgumentSource_Unsupported(t *testing.T) {
	_, err := NewArgumentSource("riscv64", nil)
	require.Error(t, err)
}

func TestArgumentSource_Stack(t *testing.T) {
	mem := testutil.NewFakeMemory()
	const sp = 0x7ff0_0000
	mem.WriteUint64(sp+10*8, 0xcafe)

	src, err := NewArgumentSource("amd64", mem)
	require.NoError(t, err)

	ctx := ProbeContext{}
	ctx.Regs[19] = sp
	for i := range ctx.Stack {
		ctx.Stack[i] = 0xa0 + uint64(i)
	}
	assert.EqualValues(t, sp, src.StackPointer(&ctx))

	// read from the snapshot
	assert.EqualValues(t, 0xa1, src.ArgFromStack(&ctx, 1))
	assert.EqualValues(t, 0xa7, src.ArgFromStack(&ctx, 7))
	// read from the target memory
	assert.EqualValues(t, 0xcafe, src.ArgFromStack(&ctx, 10))
	// unreadable
	assert.Zero(t, src.ArgFromStack(&ctx, 11))
	assert.Zero(t, src.ArgFromStack(&ctx, -1))
	assert.Zero(t, src.ArgFromStack(nil, 1))
}
