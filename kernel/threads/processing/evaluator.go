package processing

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
)

var (
	// ErrUnknownOpcode is returned for an opcode outside the instruction set.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrMisroutedOpcode is returned for I/O and load opcodes, which are
	// serviced before a request reaches the evaluator.
	ErrMisroutedOpcode = errors.New("opcode must not reach the evaluator")
)

// HaltError reports an executed HLT instruction.
type HaltError struct {
	Status uint64
	Origin uint32
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halt at %d with status %d", e.Origin, e.Status)
}

// ExitCode returns the process exit status for the halt.
func (e *HaltError) ExitCode() int {
	return int(int32(e.Status))
}

// Evaluator computes execution results. It is pure except for RND and the
// fresh tag areas minted by NTG.
type Evaluator struct {
	rng *rand.Rand
	now func() time.Time
}

// NewEvaluator creates an evaluator. A nil rng is seeded from the runtime.
func NewEvaluator(rng *rand.Rand, now func() time.Time) *Evaluator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if now == nil {
		now = time.Now
	}
	return &Evaluator{rng: rng, now: now}
}

// NewTagArea mints a fresh tag area. Not cryptographic.
func (e *Evaluator) NewTagArea() uint32 {
	return e.rng.Uint32()
}

func boolean(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Evaluate runs one request.
func (e *Evaluator) Evaluate(req foundation.ExecutionRequest) (foundation.ExecutionResult, error) {
	out := foundation.ExecutionResult{
		Marker:  foundation.MarkerOne,
		Output1: foundation.Token{Tag: req.Tag},
		Output2: foundation.Token{Tag: req.Tag},
	}
	a, b := req.Data1, req.Data2

	var value uint64
	switch req.Opcode {
	case foundation.ADD:
		value = uint64(int64(a) + int64(b))
	case foundation.SUB:
		value = uint64(int64(a) - int64(b))
	case foundation.MUL:
		value = a * b
	case foundation.XOR:
		value = a ^ b
	case foundation.AND:
		value = a & b
	case foundation.OR:
		value = a | b
	case foundation.SHL:
		value = a << b
	case foundation.SHR:
		value = a >> b

	case foundation.LT:
		value = boolean(int64(a) < int64(b))
	case foundation.GT:
		value = boolean(int64(a) > int64(b))
	case foundation.LTE:
		value = boolean(int64(a) <= int64(b))
	case foundation.GTE:
		value = boolean(int64(a) >= int64(b))
	case foundation.EQ:
		value = boolean(a == b)
	case foundation.NEQ:
		value = boolean(a != b)

	case foundation.NEG:
		value = boolean(a == 0)
	case foundation.DUP, foundation.MER:
		// MER relies on MatchAny to deliver whichever producer finished first
		value = a
	case foundation.ETG:
		value = uint64(req.Tag)
	case foundation.RND:
		value = e.rng.Uint64() ^ uint64(req.Tag) ^ uint64(e.now().Unix())

	case foundation.BRR:
		out.Output1.Data = a
		if b != 0 {
			out.Output1.Destination = req.Destination1
		} else {
			out.Output1.Destination = req.Destination2
		}
		return out, nil

	case foundation.NTG:
		out.Output1 = foundation.Token{
			Destination: req.Destination1,
			Data:        uint64(foundation.MakeTag(e.NewTagArea(), 0)),
			Tag:         req.Tag,
		}
		out.Output2 = foundation.Token{
			Destination: req.Destination2,
			Data:        uint64(req.Tag),
			Tag:         req.Tag,
		}
		out.Marker = foundation.MarkerBoth
		return out, nil

	case foundation.ITG:
		value = a
		out.Output1.Tag = req.Tag + 1
		out.Output2.Tag = out.Output1.Tag
	case foundation.SIL:
		value = a
		out.Output1.Tag = foundation.MakeTag(req.Tag.Area(), uint32(b))
		out.Output2.Tag = out.Output1.Tag
	case foundation.CTG:
		value = b
		out.Output1.Tag = foundation.Tag(a)
		out.Output2.Tag = foundation.Tag(a)

	case foundation.RTD:
		out.Output1.Data = a
		out.Output1.Destination = foundation.Destination(uint32(b))
		return out, nil

	case foundation.HLT:
		return out, &HaltError{Status: a, Origin: req.Origin}

	default:
		if req.Opcode.IsIO() || req.Opcode == foundation.LOD {
			return out, fmt.Errorf("%w: %s at %d", ErrMisroutedOpcode, req.Opcode, req.Origin)
		}
		return out, fmt.Errorf("%w %d at %d", ErrUnknownOpcode, uint32(req.Opcode), req.Origin)
	}

	out.Output1.Destination = req.Destination1
	out.Output1.Data = value
	if req.Marker == foundation.MarkerBoth {
		out.Output2.Destination = req.Destination2
		out.Output2.Data = value
		out.Marker = foundation.MarkerBoth
	}
	return out, nil
}
