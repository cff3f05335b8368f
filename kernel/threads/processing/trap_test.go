package processing

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrapGate_ProbesDescribeTrappedToken(t *testing.T) {
	gate := NewTrapGate(DefaultTrustBoundary, fixedEvaluator())
	token := foundation.Token{Destination: dst1, Data: 7, Tag: foundation.MakeTag(1, 0)}

	probes := gate.Trap(150, token)
	require.Len(t, probes, 3)
	assert.Equal(t, 1, gate.Pending())

	assert.Equal(t, ProbeOrigin, probes[0].Destination.Address())
	assert.Equal(t, ProbeDestination, probes[1].Destination.Address())
	assert.Equal(t, ProbeCorrelation, probes[2].Destination.Address())

	origin := foundation.MakeDestination(150, foundation.SlotFirst, foundation.MatchOne)
	assert.Equal(t, probeHash(uint64(origin)), probes[0].Data)
	assert.Equal(t, probeHash(uint64(dst1)), probes[1].Data)

	for _, p := range probes {
		assert.Equal(t, probes[0].Tag, p.Tag)
		assert.Equal(t, uint32(0), p.Tag.Iteration())
		assert.Equal(t, foundation.MatchOne, p.Destination.Matching())
	}
}

func TestTrapGate_VerdictReleasesOnce(t *testing.T) {
	gate := NewTrapGate(DefaultTrustBoundary, fixedEvaluator())
	token := foundation.Token{Destination: dst1, Data: 7}
	probes := gate.Trap(150, token)
	correlation := foundation.Destination(uint32(probes[2].Data))

	verdict := foundation.ExecutionResult{Output1: foundation.Token{Destination: correlation, Data: VerdictRelease}}
	released, matched := gate.Verdict(verdict)
	require.True(t, matched)
	require.NotNil(t, released)
	assert.Equal(t, token, *released)
	assert.Equal(t, 0, gate.Pending())

	released, matched = gate.Verdict(verdict)
	assert.False(t, matched)
	assert.Nil(t, released)
}

func TestTrapGate_VerdictRejects(t *testing.T) {
	gate := NewTrapGate(DefaultTrustBoundary, fixedEvaluator())
	probes := gate.Trap(150, foundation.Token{Destination: dst1, Data: 7})
	correlation := foundation.Destination(uint32(probes[2].Data))

	released, matched := gate.Verdict(foundation.ExecutionResult{Output1: foundation.Token{Destination: correlation, Data: 0}})
	assert.True(t, matched)
	assert.Nil(t, released)
	assert.Equal(t, 0, gate.Pending())
}

func TestTrapGate_CorrelationsAreUnique(t *testing.T) {
	gate := NewTrapGate(DefaultTrustBoundary, fixedEvaluator())
	seen := make(map[uint64]bool)
	for i := 0; i < 500; i++ {
		probes := gate.Trap(200, foundation.Token{Data: uint64(i)})
		assert.False(t, seen[probes[2].Data])
		seen[probes[2].Data] = true
	}
	assert.Equal(t, 500, gate.Pending())
}

func TestTrapGate_Boundary(t *testing.T) {
	gate := NewTrapGate(100, fixedEvaluator())
	assert.False(t, gate.Untrusted(99))
	assert.True(t, gate.Untrusted(100))
	assert.True(t, gate.Untrusted(70000))
}

type unitHarness struct {
	unit *Unit
	in   *foundation.Queue[foundation.ExecutionRequest]
	out  *foundation.Queue[foundation.Token]
	done chan error
	stop context.CancelFunc
}

func startUnit(t *testing.T, config Config) *unitHarness {
	t.Helper()
	in, err := foundation.NewQueue[foundation.ExecutionRequest]("processing", 16)
	require.NoError(t, err)
	out, err := foundation.NewQueue[foundation.Token]("router", 16)
	require.NoError(t, err)

	h := &unitHarness{
		unit: NewUnit(config, fixedEvaluator(), in, out, utils.NopLogger()),
		in:   in,
		out:  out,
		done: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.done <- h.unit.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *unitHarness) next(t *testing.T) foundation.Token {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok, err := h.out.Get(ctx)
	require.NoError(t, err)
	return tok
}

func (h *unitHarness) send(t *testing.T, req foundation.ExecutionRequest) {
	t.Helper()
	require.NoError(t, h.in.Put(context.Background(), req))
}

func TestUnit_EmitsResults(t *testing.T) {
	h := startUnit(t, Config{})
	req := request(foundation.ADD, 3, 4)
	req.Marker = foundation.MarkerBoth
	h.send(t, req)

	assert.Equal(t, foundation.Token{Destination: dst1, Data: 7, Tag: req.Tag}, h.next(t))
	assert.Equal(t, foundation.Token{Destination: dst2, Data: 7, Tag: req.Tag}, h.next(t))

	h.stop()
	require.NoError(t, <-h.done)
	executed, trapped := h.unit.Stats()
	assert.Equal(t, uint64(1), executed)
	assert.Equal(t, uint64(0), trapped)
}

func TestUnit_HaltStopsWorker(t *testing.T) {
	h := startUnit(t, Config{})
	h.send(t, request(foundation.HLT, 2, 0))

	select {
	case err := <-h.done:
		var halt *HaltError
		require.ErrorAs(t, err, &halt)
		assert.Equal(t, 2, halt.ExitCode())
	case <-time.After(time.Second):
		t.Fatal("processing unit did not halt")
	}
}

func TestUnit_DefectStopsWorker(t *testing.T) {
	h := startUnit(t, Config{})
	h.send(t, request(foundation.OPN, 0, 0))

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrMisroutedOpcode)
	case <-time.After(time.Second):
		t.Fatal("processing unit did not stop")
	}
}

func TestUnit_TrapReleasesOnlyOnApproval(t *testing.T) {
	h := startUnit(t, Config{TrapEnabled: true, TrustBoundary: DefaultTrustBoundary})

	// Trusted code flows straight through
	trusted := request(foundation.ADD, 1, 1)
	trusted.Origin = 5
	h.send(t, trusted)
	assert.Equal(t, uint64(2), h.next(t).Data)

	untrusted := request(foundation.ADD, 3, 4)
	untrusted.Origin = 150
	h.send(t, untrusted)

	probes := []foundation.Token{h.next(t), h.next(t), h.next(t)}
	assert.Equal(t, ProbeOrigin, probes[0].Destination.Address())
	assert.Equal(t, ProbeDestination, probes[1].Destination.Address())
	assert.Equal(t, ProbeCorrelation, probes[2].Destination.Address())
	assert.Equal(t, 0, h.out.Len())

	// Verifier approves through RTD to the correlation value
	verdict := request(foundation.RTD, VerdictRelease, probes[2].Data)
	verdict.Origin = 10
	h.send(t, verdict)

	released := h.next(t)
	assert.Equal(t, foundation.Token{Destination: dst1, Data: 7, Tag: untrusted.Tag}, released)

	h.stop()
	require.NoError(t, <-h.done)
	assert.Equal(t, 0, h.unit.PendingVerifications())
	_, trapped := h.unit.Stats()
	assert.Equal(t, uint64(1), trapped)
}

func TestUnit_TrapDiscardsOnRejection(t *testing.T) {
	h := startUnit(t, Config{TrapEnabled: true, TrustBoundary: DefaultTrustBoundary})

	untrusted := request(foundation.ADD, 3, 4)
	untrusted.Origin = 150
	h.send(t, untrusted)
	probes := []foundation.Token{h.next(t), h.next(t), h.next(t)}

	verdict := request(foundation.RTD, 0, probes[2].Data)
	verdict.Origin = 10
	h.send(t, verdict)

	// A later trusted result proves the rejected token was never emitted
	marker := request(foundation.DUP, 99, 0)
	marker.Origin = 6
	h.send(t, marker)
	assert.Equal(t, uint64(99), h.next(t).Data)

	h.stop()
	require.NoError(t, <-h.done)
	assert.Equal(t, 0, h.unit.PendingVerifications())
}
