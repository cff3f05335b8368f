package iox

import (
	"context"
	"sync/atomic"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Unit is the I/O stage worker between the store and the processing unit.
type Unit struct {
	exec   *Executor
	in     *foundation.Queue[foundation.ExecutionRequest]
	out    *foundation.Queue[foundation.ExecutionRequest]
	logger *utils.Logger

	handled atomic.Uint64
	passed  atomic.Uint64
}

// NewUnit creates an I/O unit.
func NewUnit(
	exec *Executor,
	in *foundation.Queue[foundation.ExecutionRequest],
	out *foundation.Queue[foundation.ExecutionRequest],
	logger *utils.Logger,
) *Unit {
	if exec == nil {
		exec = NewExecutor("", nil)
	}
	if logger == nil {
		logger = utils.DefaultLogger("iox")
	}
	return &Unit{exec: exec, in: in, out: out, logger: logger}
}

// Run services requests until ctx ends. Descriptors the program leaves
// open stay with the executor; its owner releases them with Close.
func (u *Unit) Run(ctx context.Context) error {
	for {
		req, err := u.in.Get(ctx)
		if err != nil {
			return utils.IgnoreCancel(err)
		}
		if Handles(req.Opcode) {
			op := req.Opcode
			req = u.exec.Execute(req)
			u.handled.Add(1)
			u.logger.Debug("I/O",
				utils.Stringer("op", op),
				utils.Uint32("origin", req.Origin),
				utils.Int64("result", int64(req.Data1)))
		} else {
			u.passed.Add(1)
		}
		if err := u.out.Put(ctx, req); err != nil {
			return utils.IgnoreCancel(err)
		}
	}
}

// Stats returns handled and passed-through request counts.
func (u *Unit) Stats() (handled, passed uint64) {
	return u.handled.Load(), u.passed.Load()
}

