package kernel

import (
	"memkern/kernel/cpu"
	"memkern/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied error (if any) to the active terminal and halts
// the CPU. Calls to Panic never return. It is the single surfacing point
// for every InvariantViolation-class failure described in spec.md §7:
// map-to-already-mapped, unmap-not-mapped, a lost FlushToken, and the like
// are all programming errors with no recovery path during bring-up.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***\n")
	early.Printf("-----------------------------------\n")

	cpuHaltFn()
}
