package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/iox"
	"github.com/nmxmxh/tokenflow/kernel/threads/matching"
	"github.com/nmxmxh/tokenflow/kernel/threads/processing"
	"github.com/nmxmxh/tokenflow/kernel/threads/router"
	"github.com/nmxmxh/tokenflow/kernel/threads/store"
	"github.com/nmxmxh/tokenflow/kernel/utils"
	"golang.org/x/sync/errgroup"
)

// Stats is a snapshot of engine activity
type Stats struct {
	ID     string
	State  string
	Uptime time.Duration
	Queues []foundation.QueueStats

	Store  store.Stats
	Router router.Stats

	TokensMatched  uint64
	PairsReady     uint64
	TokensWaiting  int
	Executed       uint64
	Trapped        uint64
	PendingVerdict int
	IOHandled      uint64
	IOOpen         int
}

// Engine is the root object of one machine: five stages connected in a
// ring by bounded queues.
//
//	store -> iox -> processing -> router -> matching -> store
type Engine struct {
	state  atomic.Int32
	config *Config
	logger *utils.Logger
	id     string

	// Ring queues, named after their consumer
	toIO         *foundation.Queue[foundation.ExecutionRequest]
	toProcessing *foundation.Queue[foundation.ExecutionRequest]
	toRouter     *foundation.Queue[foundation.Token]
	toMatching   *foundation.Queue[foundation.Token]
	toStore      *foundation.Queue[foundation.ReadyPair]

	store      *store.Store
	exec       *iox.Executor
	io         *iox.Unit
	processing *processing.Unit
	router     *router.Router
	matching   *matching.Unit

	shutdown *utils.GracefulShutdown

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// NewEngine wires a machine. A nil config uses DefaultConfig.
func NewEngine(config *Config, eval *processing.Evaluator) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, "invalid engine config")
	}

	id := utils.GenerateID()
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:      config.LogLevel,
		Component:  "engine",
		Output:     config.LogOutput,
		Colorize:   config.Colorize,
		ShowCaller: false,
	}).With(utils.String("run", id[:8]))

	e := &Engine{config: config, logger: logger, id: id}

	var err error
	if e.toIO, err = foundation.NewQueue[foundation.ExecutionRequest]("iox", config.QueueCapacity); err != nil {
		return nil, err
	}
	if e.toProcessing, err = foundation.NewQueue[foundation.ExecutionRequest]("processing", config.QueueCapacity); err != nil {
		return nil, err
	}
	if e.toRouter, err = foundation.NewQueue[foundation.Token]("router", config.QueueCapacity); err != nil {
		return nil, err
	}
	if e.toMatching, err = foundation.NewQueue[foundation.Token]("matching", config.QueueCapacity); err != nil {
		return nil, err
	}
	if e.toStore, err = foundation.NewQueue[foundation.ReadyPair]("store", config.QueueCapacity); err != nil {
		return nil, err
	}

	if e.store, err = store.New(config.storeConfig(), e.toStore, e.toIO, logger.Named("store")); err != nil {
		return nil, err
	}
	e.exec = iox.NewExecutor(config.WorkDir, config.Console)
	e.io = iox.NewUnit(e.exec, e.toIO, e.toProcessing, logger.Named("iox"))
	e.processing = processing.NewUnit(processing.Config{
		TrapEnabled:   config.TrapEnabled,
		TrustBoundary: config.TrapBoundary,
	}, eval, e.toProcessing, e.toRouter, logger.Named("processing"))
	e.router = router.New(config.Console, e.toRouter, e.toMatching, logger.Named("router"))
	if e.matching, err = matching.NewUnit(config.MatchingTableSize, e.toMatching, e.toStore, logger.Named("matching")); err != nil {
		return nil, err
	}

	e.shutdown = utils.NewGracefulShutdown(config.ShutdownTimeout, logger.Named("shutdown"))
	e.shutdown.Register("program-descriptors", e.exec.Close)

	e.setState(StateUninitialized)
	return e, nil
}

// ID returns the run identifier
func (e *Engine) ID() string {
	return e.id
}

// Run boots the machine from filename and runs it until ctx ends, the
// program halts, or a stage fails. The end of ctx (for example a run-time
// budget) is a normal stop and returns nil. A halt returns
// *processing.HaltError.
func (e *Engine) Run(ctx context.Context, filename string) error {
	if !e.transitionState(StateUninitialized, StateBooting) {
		return fmt.Errorf("engine cannot start from state %s", e.StateName())
	}
	e.startTime.Store(time.Now().UnixNano())
	e.logger.Info("Engine boot",
		utils.String("module", filename),
		utils.Int("queue_capacity", e.config.QueueCapacity),
		utils.Int("table_size", e.config.MatchingTableSize),
		utils.Bool("trap", e.config.TrapEnabled))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(e.guard("store", func() error {
		if err := e.store.Bootstrap(gctx, filename); err != nil {
			return utils.IgnoreCancel(err)
		}
		if e.transitionState(StateBooting, StateRunning) {
			e.logger.Debug("Engine running")
		}
		return e.store.Run(gctx)
	}))
	g.Go(e.guard("iox", func() error { return e.io.Run(gctx) }))
	g.Go(e.guard("processing", func() error { return e.processing.Run(gctx) }))
	g.Go(e.guard("router", func() error { return e.router.Run(gctx) }))
	g.Go(e.guard("matching", func() error { return e.matching.Run(gctx) }))

	go func() {
		<-gctx.Done()
		if !e.transitionState(StateRunning, StateStopping) {
			e.transitionState(StateBooting, StateStopping)
		}
	}()

	err := g.Wait()
	if serr := e.shutdown.Shutdown(context.Background()); serr != nil {
		e.logger.Warn("Releasing program resources", utils.Err(serr))
	}
	e.stopTime.Store(time.Now().UnixNano())
	return e.finish(err)
}

func (e *Engine) finish(err error) error {
	uptime := utils.Duration("uptime", e.uptime())

	var halt *processing.HaltError
	var pe *utils.PanicError
	switch {
	case err == nil:
		e.setState(StateStopped)
		e.logger.Info("Engine stopped", uptime)
	case errors.As(err, &halt):
		e.setState(StateHalted)
		e.logger.Info("Engine halted", uptime, utils.Int("status", halt.ExitCode()))
	case errors.As(err, &pe):
		e.setState(StatePanic)
	default:
		e.setState(StateStopped)
		e.logger.Error("Engine failed", uptime, utils.Err(err))
	}
	return err
}

func (e *Engine) uptime() time.Duration {
	start := e.startTime.Load()
	if start == 0 {
		return 0
	}
	if stop := e.stopTime.Load(); stop != 0 {
		return time.Duration(stop - start)
	}
	return time.Duration(time.Now().UnixNano() - start)
}

// Stats returns a snapshot of engine activity. Table and trap counts are
// only exact once the engine has stopped.
func (e *Engine) Stats() Stats {
	tokens, pairs, waiting := e.matching.Stats()
	executed, trapped := e.processing.Stats()
	handled, _ := e.io.Stats()
	return Stats{
		ID:     e.id,
		State:  e.StateName(),
		Uptime: e.uptime(),
		Queues: []foundation.QueueStats{
			e.toIO.Stats(),
			e.toProcessing.Stats(),
			e.toRouter.Stats(),
			e.toMatching.Stats(),
			e.toStore.Stats(),
		},
		Store:          e.store.Stats(),
		Router:         e.router.Stats(),
		TokensMatched:  tokens,
		PairsReady:     pairs,
		TokensWaiting:  waiting,
		Executed:       executed,
		Trapped:        trapped,
		PendingVerdict: e.processing.PendingVerifications(),
		IOHandled:      handled,
		IOOpen:         e.exec.Open(),
	}
}
