package kernel

import (
	"errors"

	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// EngineState represents the lifecycle state of the engine
type EngineState int32

const (
	StateUninitialized EngineState = iota
	StateBooting
	StateRunning
	StateStopping
	StateStopped
	StateHalted
	StatePanic
)

var stateNames = map[EngineState]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooting:       "BOOTING",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StateHalted:        "HALTED",
	StatePanic:         "PANIC",
}

func (s EngineState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// State Management
func (e *Engine) setState(s EngineState) {
	e.state.Store(int32(s))
}

func (e *Engine) transitionState(from, to EngineState) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current lifecycle state
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *Engine) StateName() string {
	return e.State().String()
}

// guard runs a worker, converting a panic into a *utils.PanicError.
func (e *Engine) guard(worker string, run func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = utils.RecoverAsError(worker, r)
				var pe *utils.PanicError
				if errors.As(err, &pe) {
					e.logger.Error("WORKER PANIC",
						utils.String("worker", worker),
						utils.Any("reason", r),
						utils.String("stack", pe.Stack))
				}
			}
		}()
		return run()
	}
}

