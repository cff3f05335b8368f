package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/registry"
	"github.com/nmxmxh/tokenflow/kernel/utils"
	"github.com/sony/gobreaker"
)

// Calling convention of dynamically loaded modules
const (
	MainArgExport            = "_main_arg_0_export"
	MainReturnLocationExport = "_main_return_location_export"
)

// Config configures the instruction store
type Config struct {
	// ModuleDir resolves relative dynamic load names. Empty means the
	// working directory.
	ModuleDir        string
	AllowOpcodePatch bool

	// BreakerFailures consecutive failed dynamic loads open the breaker
	// for BreakerCooldown. Zero, the default, disables the breaker so only
	// genuine load failures produce the -1 sentinel.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Throttle utils.ThrottleConfig
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		AllowOpcodePatch: true,
		BreakerFailures:  0,
		BreakerCooldown:  10 * time.Second,
		Throttle:         utils.DefaultThrottleConfig(),
	}
}

// Stats tracks store activity
type Stats struct {
	Instructions int64
	Exports      int64
	Dispatched   uint64
	Seeded       uint64
	Dropped      uint64
	Loads        uint64
	LoadFailures uint64
	BreakerState string
}

// Store is the instruction store worker: ready pairs in, execution requests
// out. It owns the program image.
type Store struct {
	config   Config
	program  *Program
	in       *foundation.Queue[foundation.ReadyPair]
	out      *foundation.Queue[foundation.ExecutionRequest]
	breaker  *gobreaker.CircuitBreaker
	throttle *utils.Throttle
	logger   *utils.Logger

	instructions atomic.Int64
	exports      atomic.Int64
	dispatched   atomic.Uint64
	seeded       atomic.Uint64
	dropped      atomic.Uint64
	loads        atomic.Uint64
	loadFailures atomic.Uint64
}

// New creates an instruction store with an empty program image.
func New(
	config Config,
	in *foundation.Queue[foundation.ReadyPair],
	out *foundation.Queue[foundation.ExecutionRequest],
	logger *utils.Logger,
) (*Store, error) {
	if logger == nil {
		logger = utils.DefaultLogger("store")
	}
	throttle, err := utils.NewThrottle(config.Throttle)
	if err != nil {
		return nil, err
	}

	s := &Store{
		config:   config,
		program:  NewProgram(config.AllowOpcodePatch),
		in:       in,
		out:      out,
		throttle: throttle,
		logger:   logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dynamic-load",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.BreakerFailures > 0 && counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Dynamic load breaker changed state",
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return s, nil
}

// Program returns the program image. Only safe to inspect while the store is
// not running.
func (s *Store) Program() *Program {
	return s.program
}

// Bootstrap loads the initial module with privileges and seeds its ready
// instructions. Any failure is fatal to the machine.
func (s *Store) Bootstrap(ctx context.Context, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return registry.WrapLoadError(registry.ErrCodeReadFailed, "read initial module", err).
			WithContext("file", filename)
	}
	res, err := s.program.Load(data, true)
	if err != nil {
		return utils.WrapError(err, "load initial module "+filename)
	}
	s.committed(res)
	s.logger.Info("Initial module loaded",
		utils.String("file", filename),
		utils.Int("instructions", res.Count),
		utils.Int("exports", len(res.Exports)))
	return s.seed(ctx, res)
}

// Run dispatches ready pairs until ctx ends.
func (s *Store) Run(ctx context.Context) error {
	for {
		pair, err := s.in.Get(ctx)
		if err != nil {
			return utils.IgnoreCancel(err)
		}
		if err := s.dispatch(ctx, pair); err != nil {
			return utils.IgnoreCancel(err)
		}
	}
}

func (s *Store) dispatch(ctx context.Context, pair foundation.ReadyPair) error {
	addr := pair.Address()
	inst, ok := s.program.Instruction(addr)
	if !ok {
		s.drop("address_out_of_range", "Ready pair addresses a missing instruction",
			utils.Uint32("address", addr),
			utils.Int("instructions", s.program.Len()))
		return nil
	}

	if inst.Opcode == foundation.LOD {
		res, err := s.dynamicLoad(ctx, addr, inst, pair.Token1, pair.Token2.Data)
		if err != nil || res == nil {
			return err
		}
		return s.seed(ctx, res)
	}

	req := foundation.ExecutionRequest{
		Opcode:       inst.Opcode,
		Tag:          pair.Token1.Tag,
		Destination1: inst.Destination1,
		Destination2: inst.Destination2,
		Marker:       inst.Marker,
		Origin:       addr,
	}
	switch {
	case !inst.Opcode.Valid():
		// Forwarded so the processing unit fails on it like any other
		// unknown opcode, whatever its literal kind.
		req.Data1 = pair.Token1.Data
		req.Data2 = pair.Token2.Data
	case inst.Literals == foundation.LiteralNone && inst.Opcode.Inputs() == 2:
		req.Data1 = pair.Token1.Data
		req.Data2 = pair.Token2.Data
	case inst.Literals == foundation.LiteralOne || inst.Opcode.Inputs() == 1:
		req.Data1 = pair.Token1.Data
		req.Data2 = inst.Literal1
	default:
		s.drop("unexpected_operands", "Ready pair for an instruction that takes no tokens",
			utils.Uint32("address", addr),
			utils.Stringer("instruction", inst))
		return nil
	}

	s.dispatched.Add(1)
	return s.out.Put(ctx, req)
}

// dynamicLoad services LOD. The returned result still needs seeding. Load
// failures are reported to the program as -1 and never stop the store.
func (s *Store) dynamicLoad(ctx context.Context, addr uint32, inst foundation.Instruction, name foundation.Token, arg uint64) (*LoadResult, error) {
	filename := loadFileName(name.Data)
	res, err := s.loadModule(filename)
	if err != nil {
		s.loadFailures.Add(1)
		s.warn("load_failed", "Dynamic load failed",
			utils.String("file", filename),
			utils.Uint32("address", addr),
			utils.String("code", registry.ErrorCode(err)),
			utils.Err(err))
		return nil, s.out.Put(ctx, foundation.ExecutionRequest{
			Opcode:       foundation.DUP,
			Data1:        foundation.Failure,
			Tag:          name.Tag,
			Destination1: inst.Destination1,
			Destination2: inst.Destination2,
			Marker:       inst.Marker,
			Origin:       addr,
		})
	}

	s.loads.Add(1)
	s.committed(res)
	s.logger.Debug("Dynamic load",
		utils.String("file", filename),
		utils.Uint32("base", res.Base),
		utils.Int("instructions", res.Count),
		utils.Int("neutralized", res.Neutralized))

	argDst, hasArg := res.Export(MainArgExport)
	retDst, hasRet := res.Export(MainReturnLocationExport)
	if hasArg && hasRet {
		call := []foundation.ExecutionRequest{
			{
				Opcode:       foundation.DUP,
				Data1:        arg,
				Tag:          name.Tag,
				Destination1: argDst,
				Destination2: foundation.Discard,
				Marker:       foundation.MarkerOne,
				Origin:       addr,
			},
			{
				Opcode:       foundation.DUP,
				Data1:        uint64(inst.Destination1),
				Tag:          name.Tag,
				Destination1: retDst,
				Destination2: foundation.Discard,
				Marker:       foundation.MarkerOne,
				Origin:       addr,
			},
		}
		for _, req := range call {
			if err := s.out.Put(ctx, req); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func (s *Store) loadModule(filename string) (*LoadResult, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := s.readModule(filename)
		if err != nil {
			return nil, err
		}
		return s.program.Load(data, false)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, registry.WrapLoadError(registry.ErrCodeCircuitOpen, "dynamic loads suspended", err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*LoadResult), nil
}

func (s *Store) readModule(filename string) ([]byte, error) {
	if filename == "" {
		return nil, registry.NewLoadError(registry.ErrCodeReadFailed, "empty module name")
	}
	path := filename
	if s.config.ModuleDir != "" && !filepath.IsAbs(filename) {
		path = filepath.Join(s.config.ModuleDir, filename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, registry.WrapLoadError(registry.ErrCodeReadFailed, "read module", err).
			WithContext("file", path)
	}
	return data, nil
}

// loadFileName decodes a LOD operand. The eighth byte is always treated as
// NUL, so names carry at most seven bytes.
func loadFileName(word uint64) string {
	return foundation.UnpackString(word &^ (0xFF << 56))
}

// seed emits the ready requests of a load. Ready LOD instructions are
// serviced here, since the processing unit never sees LOD.
func (s *Store) seed(ctx context.Context, first *LoadResult) error {
	pending := []*LoadResult{first}
	for len(pending) > 0 {
		res := pending[0]
		pending = pending[1:]

		for _, req := range s.program.ReadyRequests(res) {
			if req.Opcode == foundation.LOD {
				inst, _ := s.program.Instruction(req.Origin)
				name := foundation.Token{Data: req.Data1, Tag: req.Tag}
				next, err := s.dynamicLoad(ctx, req.Origin, inst, name, req.Data2)
				if err != nil {
					return err
				}
				if next != nil {
					pending = append(pending, next)
				}
				continue
			}
			if err := s.out.Put(ctx, req); err != nil {
				return err
			}
			s.seeded.Add(1)
		}
	}
	return nil
}

func (s *Store) committed(res *LoadResult) {
	s.instructions.Store(int64(s.program.Len()))
	s.exports.Store(int64(s.program.Exports()))
	if res.Neutralized > 0 {
		s.logger.Debug("Privileged opcodes neutralized", utils.Int("count", res.Neutralized))
	}
}

func (s *Store) drop(key, msg string, fields ...utils.Field) {
	s.dropped.Add(1)
	s.warn(key, msg, fields...)
}

func (s *Store) warn(key, msg string, fields ...utils.Field) {
	ok, suppressed := s.throttle.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, utils.Uint64("suppressed", suppressed))
	}
	s.logger.Warn(msg, fields...)
}

// Stats returns a snapshot of the store counters
func (s *Store) Stats() Stats {
	return Stats{
		Instructions: s.instructions.Load(),
		Exports:      s.exports.Load(),
		Dispatched:   s.dispatched.Load(),
		Seeded:       s.seeded.Load(),
		Dropped:      s.dropped.Load(),
		Loads:        s.loads.Load(),
		LoadFailures: s.loadFailures.Load(),
		BreakerState: s.breaker.State().String(),
	}
}

