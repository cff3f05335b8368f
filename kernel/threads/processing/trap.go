package processing

import (
	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
)

// DefaultTrustBoundary is the first instruction address treated as untrusted.
const DefaultTrustBoundary = 100

// Bookkeeping addresses of the trusted verifier subprogram
const (
	ProbeOrigin      uint32 = 0
	ProbeDestination uint32 = 1
	ProbeCorrelation uint32 = 2
)

// Verdict values reported by the verifier through RTD
const VerdictRelease = 1

// TrapGate holds results produced by untrusted code until the trusted
// verifier approves them.
type TrapGate struct {
	boundary uint32
	pending  map[foundation.Destination]foundation.Token
	eval     *Evaluator
}

// NewTrapGate creates a gate. Requests originating at or beyond boundary are
// trapped.
func NewTrapGate(boundary uint32, eval *Evaluator) *TrapGate {
	return &TrapGate{
		boundary: boundary,
		pending:  make(map[foundation.Destination]foundation.Token),
		eval:     eval,
	}
}

// Untrusted reports whether origin lies beyond the trust boundary.
func (g *TrapGate) Untrusted(origin uint32) bool {
	return origin >= g.boundary
}

// Pending returns the number of results awaiting a verdict.
func (g *TrapGate) Pending() int {
	return len(g.pending)
}

// Verdict checks whether an RTD result answers a pending verification. When
// it does, the entry is removed and the stashed token is returned if the
// verdict released it.
func (g *TrapGate) Verdict(result foundation.ExecutionResult) (release *foundation.Token, matched bool) {
	correlation := result.Output1.Destination
	stashed, ok := g.pending[correlation]
	if !ok {
		return nil, false
	}
	delete(g.pending, correlation)
	if result.Output1.Data == VerdictRelease {
		return &stashed, true
	}
	return nil, true
}

// Trap stashes token and returns the three probe tokens announcing it.
func (g *TrapGate) Trap(origin uint32, token foundation.Token) []foundation.Token {
	tag := foundation.MakeTag(g.eval.NewTagArea(), 0)

	correlation := foundation.Destination(g.eval.NewTagArea())
	for {
		if _, taken := g.pending[correlation]; !taken {
			break
		}
		correlation = foundation.Destination(g.eval.NewTagArea())
	}
	g.pending[correlation] = token

	originDst := foundation.MakeDestination(origin, foundation.SlotFirst, foundation.MatchOne)
	return []foundation.Token{
		{
			Destination: foundation.MakeDestination(ProbeOrigin, foundation.SlotFirst, foundation.MatchOne),
			Data:        probeHash(uint64(originDst)),
			Tag:         tag,
		},
		{
			Destination: foundation.MakeDestination(ProbeDestination, foundation.SlotFirst, foundation.MatchOne),
			Data:        probeHash(uint64(token.Destination)),
			Tag:         tag,
		},
		{
			Destination: foundation.MakeDestination(ProbeCorrelation, foundation.SlotFirst, foundation.MatchOne),
			Data:        uint64(correlation),
			Tag:         tag,
		},
	}
}

// probeHash is the 64-to-32-bit integer mix the verifier expects.
func probeHash(v uint64) uint64 {
	return uint64(uint32((v >> 33) ^ v ^ (v << 11)))
}
