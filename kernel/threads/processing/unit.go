package processing

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Config configures the processing unit
type Config struct {
	TrapEnabled   bool
	TrustBoundary uint32
}

// Unit is the processing stage worker: execution requests in, tokens out.
type Unit struct {
	eval   *Evaluator
	trap   *TrapGate
	in     *foundation.Queue[foundation.ExecutionRequest]
	out    *foundation.Queue[foundation.Token]
	logger *utils.Logger

	executed atomic.Uint64
	trapped  atomic.Uint64
}

// NewUnit creates a processing unit.
func NewUnit(
	config Config,
	eval *Evaluator,
	in *foundation.Queue[foundation.ExecutionRequest],
	out *foundation.Queue[foundation.Token],
	logger *utils.Logger,
) *Unit {
	if eval == nil {
		eval = NewEvaluator(nil, nil)
	}
	if logger == nil {
		logger = utils.DefaultLogger("processing")
	}
	u := &Unit{eval: eval, in: in, out: out, logger: logger}
	if config.TrapEnabled {
		u.trap = NewTrapGate(config.TrustBoundary, eval)
	}
	return u
}

// Run evaluates requests until ctx ends, HLT executes, or a defect occurs.
func (u *Unit) Run(ctx context.Context) error {
	u.logger.Debug("Processing unit started", utils.Bool("trap", u.trap != nil))
	for {
		req, err := u.in.Get(ctx)
		if err != nil {
			return utils.IgnoreCancel(err)
		}
		if err := u.step(ctx, req); err != nil {
			return utils.IgnoreCancel(err)
		}
	}
}

func (u *Unit) step(ctx context.Context, req foundation.ExecutionRequest) error {
	result, err := u.eval.Evaluate(req)
	if err != nil {
		var halt *HaltError
		if errors.As(err, &halt) {
			u.logger.Info("Halt", utils.Uint32("origin", halt.Origin), utils.Uint64("status", halt.Status))
		} else {
			u.logger.Error("Evaluation defect", utils.Stringer("request", req), utils.Err(err))
		}
		return err
	}
	u.executed.Add(1)

	if u.logger.Enabled(utils.DEBUG) {
		u.logger.Debug("Executed",
			utils.Stringer("request", req),
			utils.Stringer("out1", result.Output1),
			utils.Int("outputs", len(result.Tokens())))
	}

	if u.trap == nil {
		return u.emit(ctx, result.Tokens()...)
	}

	if req.Opcode == foundation.RTD {
		if release, matched := u.trap.Verdict(result); matched {
			u.logger.Debug("Verification verdict",
				utils.Uint32("origin", req.Origin),
				utils.Uint64("verdict", result.Output1.Data))
			if release != nil {
				return u.emit(ctx, *release)
			}
			return nil
		}
	}

	if !u.trap.Untrusted(req.Origin) {
		return u.emit(ctx, result.Tokens()...)
	}

	for _, token := range result.Tokens() {
		u.trapped.Add(1)
		if err := u.emit(ctx, u.trap.Trap(req.Origin, token)...); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) emit(ctx context.Context, tokens ...foundation.Token) error {
	for _, token := range tokens {
		if err := u.out.Put(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns executed and trapped counts.
func (u *Unit) Stats() (executed, trapped uint64) {
	return u.executed.Load(), u.trapped.Load()
}

// PendingVerifications returns results awaiting a verdict. Only meaningful
// once the unit has stopped.
func (u *Unit) PendingVerifications() int {
	if u.trap == nil {
		return 0
	}
	return u.trap.Pending()
}

