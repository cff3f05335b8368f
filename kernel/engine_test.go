package kernel

import (
	"bytes"
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/iox"
	"github.com/nmxmxh/tokenflow/kernel/threads/processing"
	"github.com/nmxmxh/tokenflow/kernel/threads/registry"
	"github.com/nmxmxh/tokenflow/kernel/threads/store"
	"github.com/nmxmxh/tokenflow/kernel/threads/testutil"
	"github.com/nmxmxh/tokenflow/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func dst(addr, slot uint32, matching uint8) foundation.Destination {
	return foundation.MakeDestination(addr, slot, matching)
}

func testConfig(t *testing.T, console *syncBuffer) *Config {
	t.Helper()
	config := DefaultConfig()
	config.QueueCapacity = 64
	config.MatchingTableSize = 64
	config.ModuleDir = t.TempDir()
	config.WorkDir = config.ModuleDir
	config.Console = console
	config.LogOutput = &bytes.Buffer{}
	config.LogLevel = utils.ERROR
	return config
}

func runEngine(t *testing.T, config *Config, boot *testutil.ModuleBuilder) (*Engine, error) {
	t.Helper()
	path := boot.WriteFile(t, config.ModuleDir, "boot.sephi")

	eval := processing.NewEvaluator(rand.New(rand.NewPCG(7, 11)), nil)
	e, err := NewEngine(config, eval)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e, e.Run(ctx, path)
}

func requireHalt(t *testing.T, err error, status int) {
	t.Helper()
	var halt *processing.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, status, halt.ExitCode())
}

func TestEngine_BootstrapAddition(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)

	// ADD(3,4) prints 7 and feeds HLT
	boot := testutil.NewModuleBuilder().
		OpLiterals(foundation.ADD, foundation.OutputNumber, dst(1, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth, 3, 4).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(0, registry.FieldDest1)

	e, err := runEngine(t, config, boot)
	requireHalt(t, err, 7)
	assert.Equal(t, "7\n", console.String())
	assert.Equal(t, StateHalted, e.State())

	stats := e.Stats()
	assert.Equal(t, "HALTED", stats.State)
	assert.Equal(t, int64(2), stats.Store.Instructions)
	assert.Equal(t, uint64(1), stats.Router.Printed)
	assert.Len(t, stats.Queues, 5)
	assert.NotEmpty(t, stats.ID)
}

func TestEngine_PairedOperands(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)

	// Two producers meet at a SUB; the result is printed then halts
	boot := testutil.NewModuleBuilder().
		OpLiteral(foundation.DUP, dst(2, foundation.SlotSecond, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 5).
		OpLiteral(foundation.DUP, dst(2, foundation.SlotFirst, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 12).
		Op(foundation.SUB, foundation.OutputNumber, dst(3, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(2, registry.FieldDest1)

	_, err := runEngine(t, config, boot)
	requireHalt(t, err, 7)
	assert.Equal(t, "7\n", console.String())
}

func TestEngine_DynamicLoadMissingFile(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)

	boot := testutil.NewModuleBuilder().
		OpLiteral(foundation.DUP, dst(2, foundation.SlotFirst, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, foundation.PackString("nofile")).
		OpLiteral(foundation.DUP, dst(2, foundation.SlotSecond, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 9).
		Op(foundation.LOD, dst(3, foundation.SlotFirst, foundation.MatchOne), foundation.Discard, foundation.MarkerOne).
		Op(foundation.DUP, foundation.OutputNumber, dst(4, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(3, registry.FieldDest1)

	e, err := runEngine(t, config, boot)
	requireHalt(t, err, -1)
	assert.Equal(t, "-1\n", console.String())
	assert.Equal(t, uint64(1), e.Stats().Store.LoadFailures)
}

func TestEngine_DynamicLoadCall(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)

	// Callee doubles its argument and returns it through RTD
	testutil.NewModuleBuilder().
		OpLiteral(foundation.MUL, dst(1, foundation.SlotFirst, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 2).
		Op(foundation.RTD, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Export(store.MainArgExport, dst(0, foundation.SlotFirst, foundation.MatchOne)).
		Export(store.MainReturnLocationExport, dst(1, foundation.SlotSecond, foundation.MatchBoth)).
		WriteFile(t, config.ModuleDir, "double")

	boot := testutil.NewModuleBuilder().
		OpLiteral(foundation.DUP, dst(2, foundation.SlotFirst, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, foundation.PackString("double")).
		OpLiteral(foundation.DUP, dst(2, foundation.SlotSecond, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 21).
		Op(foundation.LOD, dst(3, foundation.SlotFirst, foundation.MatchOne), foundation.Discard, foundation.MarkerOne).
		Op(foundation.DUP, foundation.OutputNumber, dst(4, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(3, registry.FieldDest1)

	e, err := runEngine(t, config, boot)
	requireHalt(t, err, 42)
	assert.Equal(t, "42\n", console.String())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Store.Loads)
	assert.Equal(t, int64(7), stats.Store.Instructions)
}

func TestEngine_TrapReleasesApprovedResults(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)
	config.TrapEnabled = true
	config.TrapBoundary = processing.DefaultTrustBoundary

	// Verifier: consume the two hashes, answer every correlation with 1
	boot := testutil.NewModuleBuilder().
		Op(foundation.DUP, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Op(foundation.DUP, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Op(foundation.DUP, dst(3, foundation.SlotSecond, foundation.MatchBoth), dst(4, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth).
		Op(foundation.RTD, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		OpLiteral(foundation.GTE, dst(3, foundation.SlotFirst, foundation.MatchBoth), foundation.Discard, foundation.MarkerOne, 0)
	for boot.Next() < processing.DefaultTrustBoundary {
		boot.Op(foundation.DUP, foundation.Discard, foundation.Discard, foundation.MarkerOne)
	}
	untrusted := boot.Next()
	boot.OpLiterals(foundation.ADD, foundation.OutputNumber, dst(untrusted+1, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth, 3, 4).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(untrusted, registry.FieldDest1)

	e, err := runEngine(t, config, boot)
	requireHalt(t, err, 7)
	assert.Equal(t, "7\n", console.String())

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Trapped)
	assert.Equal(t, 0, stats.PendingVerdict)
}

func TestEngine_ReleasesProgramDescriptors(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)

	// Open a file, never close it, halt with the descriptor
	boot := testutil.NewModuleBuilder().
		OpLiterals(foundation.OPN, dst(1, foundation.SlotFirst, foundation.MatchOne), foundation.Discard, foundation.MarkerOne,
			foundation.PackString("leak"), iox.ModeWrite|iox.FlagCreate).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne)

	e, err := runEngine(t, config, boot)
	var halt *processing.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Greater(t, halt.ExitCode(), 2)
	assert.FileExists(t, filepath.Join(config.WorkDir, "leak"))

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.IOHandled)
	assert.Zero(t, stats.IOOpen)
}

func TestEngine_BudgetEndsRun(t *testing.T) {
	console := &syncBuffer{}
	config := testConfig(t, console)
	path := testutil.NewModuleBuilder().
		Op(foundation.ADD, foundation.OutputNumber, foundation.Discard, foundation.MarkerOne).
		WriteFile(t, config.ModuleDir, "idle")

	e, err := NewEngine(config, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx, path))
	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, console.String())

	// An engine runs once
	assert.Error(t, e.Run(context.Background(), path))
}

func TestEngine_BootstrapFailure(t *testing.T) {
	config := testConfig(t, &syncBuffer{})
	e, err := NewEngine(config, nil)
	require.NoError(t, err)

	err = e.Run(context.Background(), config.ModuleDir+"/missing")
	require.Error(t, err)
	assert.Equal(t, registry.ErrCodeReadFailed, registry.ErrorCode(err))
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_WorkerPanicIsRecovered(t *testing.T) {
	e, err := NewEngine(testConfig(t, &syncBuffer{}), nil)
	require.NoError(t, err)

	run := e.guard("test", func() error { panic("boom") })
	err = run()
	var pe *utils.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "test", pe.Worker)
	assert.NotEmpty(t, pe.Stack)

	assert.ErrorIs(t, e.finish(err), err)
	assert.Equal(t, StatePanic, e.State())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.MatchingTableSize = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.QueueCapacity = -1
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.TrapEnabled = true
	c.TrapBoundary = 2
	assert.Error(t, c.Validate())

	bad := DefaultConfig()
	bad.ShutdownTimeout = 0
	assert.Error(t, bad.Validate())

	_, err := NewEngine(c, nil)
	assert.Error(t, err)
}
