package matching

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnit(t *testing.T) (*Unit, *foundation.Queue[foundation.Token], *foundation.Queue[foundation.ReadyPair]) {
	t.Helper()
	in, err := foundation.NewQueue[foundation.Token]("tokens", 8)
	require.NoError(t, err)
	out, err := foundation.NewQueue[foundation.ReadyPair]("pairs", 8)
	require.NoError(t, err)
	unit, err := NewUnit(16, in, out, utils.NopLogger())
	require.NoError(t, err)
	return unit, in, out
}

func TestUnit_EmitsPairs(t *testing.T) {
	unit, in, out := newTestUnit(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- unit.Run(ctx) }()

	require.NoError(t, in.Put(ctx, both(9, foundation.SlotSecond, 20, 3)))
	require.NoError(t, in.Put(ctx, both(9, foundation.SlotFirst, 10, 3)))

	getCtx, getCancel := context.WithTimeout(ctx, time.Second)
	defer getCancel()
	pair, err := out.Get(getCtx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pair.Token1.Data)
	assert.Equal(t, uint64(20), pair.Token2.Data)

	cancel()
	assert.NoError(t, <-done)

	tokens, pairs, waiting := unit.Stats()
	assert.Equal(t, uint64(2), tokens)
	assert.Equal(t, uint64(1), pairs)
	assert.Equal(t, 0, waiting)
}

func TestUnit_StopsOnDefect(t *testing.T) {
	unit, in, _ := newTestUnit(t)
	ctx := context.Background()

	require.NoError(t, in.Put(ctx, foundation.Token{Destination: foundation.MakeDestination(1, 0, 3)}))

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := unit.Run(runCtx)
	assert.ErrorIs(t, err, ErrUnknownMatching)
}
