// Package plic describes the platform-level interrupt controller by the
// three operations the kernel actually needs: enabling a source at a given
// priority, claiming the next pending interrupt id, and acknowledging
// ("completing") one already claimed. The register map itself is an
// external collaborator; this package only defines the behavior the trap
// dispatcher and the interrupt-handler syscalls depend on.
package plic

// Controller is satisfied by the real MMIO-backed PLIC driver supplied at
// boot, and by a fake in tests.
type Controller interface {
	// EnableSource arms interrupt id with the given priority for the
	// single hart context this kernel runs on.
	EnableSource(id uint32, priority uint32)

	// Claim returns the highest-priority pending interrupt id, or 0 if
	// none is pending.
	Claim() uint32

	// Complete acknowledges id, allowing the PLIC to deliver it again.
	Complete(id uint32)
}

// active is the PLIC instance wired up at boot. It is nil until Init is
// called, which is acceptable because no interrupt can be claimed before
// the hardware is brought up.
var active Controller

// Init installs the controller the rest of the kernel will use.
func Init(c Controller) {
	active = c
}

// Claim delegates to the active controller.
func Claim() uint32 {
	return active.Claim()
}

// Complete delegates to the active controller.
func Complete(id uint32) {
	active.Complete(id)
}

// EnableSource delegates to the active controller.
func EnableSource(id uint32, priority uint32) {
	active.EnableSource(id, priority)
}
