package iox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"golang.org/x/sys/unix"
)

// Open flags understood by OPN
const (
	ModeMask      = 0x3
	ModeRead      = 0
	ModeWrite     = 1
	ModeReadWrite = 2
	FlagCreate    = 0x10
	FlagTruncate  = 0x20

	filePerm = 0o600
)

// Boolean results
const (
	resultTrue  uint64 = 1
	resultFalse uint64 = 0
)

// Executor performs descriptor I/O on behalf of the program. Descriptors
// are plain process descriptors, so programs can also reach stdin and
// stdout by number.
type Executor struct {
	dir     string
	console io.Writer

	mu     sync.Mutex
	opened map[int]string
}

// NewExecutor creates an executor that resolves file names against dir
// (empty for the working directory) and writes listings to console.
func NewExecutor(dir string, console io.Writer) *Executor {
	if console == nil {
		console = os.Stdout
	}
	return &Executor{
		dir:     dir,
		console: console,
		opened:  make(map[int]string),
	}
}

// Handles reports whether op is serviced by the executor.
func Handles(op foundation.Opcode) bool {
	return op.IsIO()
}

// Execute services an I/O request in place. Handled requests leave with
// opcode DUP and the result in Data1. Other requests are returned unchanged.
func (e *Executor) Execute(req foundation.ExecutionRequest) foundation.ExecutionRequest {
	if !Handles(req.Opcode) {
		return req
	}

	var result uint64
	switch req.Opcode {
	case foundation.OPN:
		result = e.open(foundation.UnpackString(req.Data1), int(int32(req.Data2)))
	case foundation.RED:
		result = e.read(descriptor(req.Data1))
	case foundation.WRT:
		result = e.write(descriptor(req.Data1), byte(req.Data2))
	case foundation.CLS:
		result = e.close(descriptor(req.Data1))
	case foundation.LS:
		result = e.list()
	case foundation.SDF:
		result = e.sendfile(descriptor(req.Data1), descriptor(req.Data2))
	case foundation.ULK:
		result = e.unlink(foundation.UnpackString(req.Data1))
	case foundation.LSK:
		result = e.seek(descriptor(req.Data1), int64(req.Data2))
	}

	req.Opcode = foundation.DUP
	req.Data1 = result
	return req
}

// Close releases every descriptor the program opened and left open.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for fd, name := range e.opened {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(e.opened, fd)
	}
	return errors.Join(errs...)
}

// Open returns the number of descriptors the program holds open.
func (e *Executor) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opened)
}

func descriptor(v uint64) int {
	return int(int32(uint32(v)))
}

func signed(v int64) uint64 {
	return uint64(v)
}

func (e *Executor) path(name string) string {
	if e.dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.dir, name)
}

func (e *Executor) open(name string, flags int) uint64 {
	var mode int
	switch flags & ModeMask {
	case ModeRead:
		mode = unix.O_RDONLY
	case ModeWrite:
		mode = unix.O_WRONLY
	case ModeReadWrite:
		mode = unix.O_RDWR
	}
	if flags&FlagCreate != 0 {
		mode |= unix.O_CREAT
	}
	if flags&FlagTruncate != 0 {
		mode |= unix.O_TRUNC
	}

	fd, err := unix.Open(e.path(name), mode|unix.O_CLOEXEC, filePerm)
	if err != nil {
		return foundation.Failure
	}
	e.mu.Lock()
	e.opened[fd] = name
	e.mu.Unlock()
	return signed(int64(fd))
}

func (e *Executor) read(fd int) uint64 {
	var b [1]byte
	n, err := unix.Read(fd, b[:])
	if err != nil || n != 1 {
		return foundation.Failure
	}
	return uint64(b[0])
}

func (e *Executor) write(fd int, c byte) uint64 {
	n, err := unix.Write(fd, []byte{c})
	if err != nil || n != 1 {
		return resultFalse
	}
	return resultTrue
}

func (e *Executor) close(fd int) uint64 {
	if err := unix.Close(fd); err != nil {
		return resultFalse
	}
	e.mu.Lock()
	delete(e.opened, fd)
	e.mu.Unlock()
	return resultTrue
}

// list prints the names in the working directory, one per line.
func (e *Executor) list() uint64 {
	dir := e.dir
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return foundation.Failure
	}
	for _, entry := range entries {
		if _, err := fmt.Fprintln(e.console, entry.Name()); err != nil {
			return foundation.Failure
		}
	}
	return 0
}

// sendfile copies until the source is exhausted. The result is 0 after a
// clean end of input and -1 after a failed read or write.
func (e *Executor) sendfile(in, out int) uint64 {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(in, buf)
		if err != nil {
			return foundation.Failure
		}
		if n == 0 {
			return 0
		}
		for chunk := buf[:n]; len(chunk) > 0; {
			w, err := unix.Write(out, chunk)
			if err != nil || w <= 0 {
				return foundation.Failure
			}
			chunk = chunk[w:]
		}
	}
}

func (e *Executor) unlink(name string) uint64 {
	if err := unix.Unlink(e.path(name)); err != nil {
		return foundation.Failure
	}
	return 0
}

func (e *Executor) seek(fd int, offset int64) uint64 {
	off, err := unix.Seek(fd, offset, io.SeekStart)
	if err != nil {
		return foundation.Failure
	}
	return signed(off)
}
