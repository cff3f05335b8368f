package matching

import (
	"context"
	"sync/atomic"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Unit is the matching stage worker: tokens in, ready pairs out.
type Unit struct {
	table  *Table
	in     *foundation.Queue[foundation.Token]
	out    *foundation.Queue[foundation.ReadyPair]
	logger *utils.Logger

	tokens atomic.Uint64
	pairs  atomic.Uint64
}

// NewUnit creates a matching unit over a table of tableSize buckets.
func NewUnit(
	tableSize int,
	in *foundation.Queue[foundation.Token],
	out *foundation.Queue[foundation.ReadyPair],
	logger *utils.Logger,
) (*Unit, error) {
	table, err := NewTable(tableSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.DefaultLogger("matching")
	}
	return &Unit{table: table, in: in, out: out, logger: logger}, nil
}

// Run consumes tokens until ctx ends. A token with an unknown matching
// function stops the unit with an error.
func (u *Unit) Run(ctx context.Context) error {
	u.logger.Debug("Matching unit started", utils.Int("buckets", len(u.table.buckets)))
	for {
		token, err := u.in.Get(ctx)
		if err != nil {
			return utils.IgnoreCancel(err)
		}
		u.tokens.Add(1)

		pair, ready, err := u.table.Submit(token)
		if err != nil {
			u.logger.Error("Matching defect", utils.Stringer("token", token), utils.Err(err))
			return err
		}
		if !ready {
			continue
		}
		u.pairs.Add(1)
		if err := u.out.Put(ctx, pair); err != nil {
			return utils.IgnoreCancel(err)
		}
	}
}

// Stats returns tokens received, pairs emitted and tokens still waiting.
// Waiting is only meaningful once the unit has stopped.
func (u *Unit) Stats() (tokens, pairs uint64, waiting int) {
	return u.tokens.Load(), u.pairs.Load(), u.table.Waiting()
}

