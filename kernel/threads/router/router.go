package router

import (
	"context"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Stats tracks routed tokens
type Stats struct {
	Printed    uint64
	Discarded  uint64
	Handlers   uint64
	Forwarded  uint64
	WriteFails uint64
}

// Router sits between the processing unit and the matching unit. Tokens for
// reserved destinations are consumed here, everything else is forwarded.
type Router struct {
	console io.Writer
	in      *foundation.Queue[foundation.Token]
	out     *foundation.Queue[foundation.Token]
	logger  *utils.Logger

	printed    atomic.Uint64
	discarded  atomic.Uint64
	handlers   atomic.Uint64
	forwarded  atomic.Uint64
	writeFails atomic.Uint64
}

// New creates a router writing program output to console.
func New(
	console io.Writer,
	in *foundation.Queue[foundation.Token],
	out *foundation.Queue[foundation.Token],
	logger *utils.Logger,
) *Router {
	if console == nil {
		console = os.Stdout
	}
	if logger == nil {
		logger = utils.DefaultLogger("router")
	}
	return &Router{
		console: console,
		in:      in,
		out:     out,
		logger:  logger,
	}
}

// Run routes tokens until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	for {
		token, err := r.in.Get(ctx)
		if err != nil {
			return utils.IgnoreCancel(err)
		}
		if err := r.route(ctx, token); err != nil {
			return utils.IgnoreCancel(err)
		}
	}
}

func (r *Router) route(ctx context.Context, token foundation.Token) error {
	switch token.Destination {
	case foundation.OutputNumber:
		r.print(strconv.AppendInt(nil, int64(token.Data), 10), '\n')
	case foundation.OutputString:
		r.print([]byte(foundation.UnpackString(token.Data)))
	case foundation.RegisterHandler, foundation.DeregisterHandler:
		// Input handlers are not implemented
		r.handlers.Add(1)
		r.logger.Debug("Input handler request ignored",
			utils.Stringer("destination", token.Destination),
			utils.Uint64("data", token.Data))
	case foundation.Discard:
		r.discarded.Add(1)
	default:
		r.forwarded.Add(1)
		return r.out.Put(ctx, token)
	}
	return nil
}

// print writes unbuffered so output interleaves correctly with the
// program's own descriptor writes.
func (r *Router) print(b []byte, suffix ...byte) {
	r.printed.Add(1)
	if _, err := r.console.Write(append(b, suffix...)); err != nil {
		r.writeFails.Add(1)
		r.logger.Warn("Console write failed", utils.Err(err))
	}
}

// Stats returns a snapshot of the router counters
func (r *Router) Stats() Stats {
	return Stats{
		Printed:    r.printed.Load(),
		Discarded:  r.discarded.Load(),
		Handlers:   r.handlers.Load(),
		Forwarded:  r.forwarded.Load(),
		WriteFails: r.writeFails.Load(),
	}
}

