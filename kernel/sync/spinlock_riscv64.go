// +build riscv64

package sync

import "waterbear/kernel/cpu"

func init() {
	disableInterruptsFn = cpu.DisableInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts
}
