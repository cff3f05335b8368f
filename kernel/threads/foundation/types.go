package foundation

import "fmt"

// Marker selects output fan-out.
type Marker uint8

const (
	MarkerOne  Marker = 0 // destination_1 only
	MarkerBoth Marker = 1 // destination_1 and destination_2
)

// LiteralKind tells how many operands an instruction carries from load time.
type LiteralKind uint32

const (
	LiteralNone LiteralKind = iota
	LiteralOne
	LiteralTwo
)

// Instruction is one entry of the program image. Immutable once placed.
type Instruction struct {
	Opcode       Opcode
	Destination1 Destination
	Destination2 Destination
	Marker       Marker
	Literal1     uint64
	Literal2     uint64
	Literals     LiteralKind
}

// Ready reports whether the instruction has every operand it needs without
// waiting for a token.
func (i Instruction) Ready() bool {
	switch i.Literals {
	case LiteralTwo:
		return true
	case LiteralOne:
		return i.Opcode.Inputs() == 1
	}
	return false
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s d1=%s d2=%s m=%d l1=%d l2=%d lit=%d",
		i.Opcode, i.Destination1, i.Destination2, i.Marker, i.Literal1, i.Literal2, i.Literals)
}

// Token is a single operand in flight.
type Token struct {
	Destination Destination
	Data        uint64
	Tag         Tag
}

func (t Token) String() string {
	return fmt.Sprintf("token{dst=%s data=%d tag=%s}", t.Destination, t.Data, t.Tag)
}

// ReadyPair holds the operands of one instruction invocation. Token1 is
// always the first-input token. Single-token pairs leave Token2 zero.
type ReadyPair struct {
	Token1 Token
	Token2 Token
}

// Address returns the target instruction address of the pair.
func (p ReadyPair) Address() uint32 {
	return p.Token1.Destination.Address()
}

// ExecutionRequest is a fully resolved unit of work. Later stages never
// consult the program image.
type ExecutionRequest struct {
	Opcode       Opcode
	Data1        uint64
	Data2        uint64
	Tag          Tag
	Destination1 Destination
	Destination2 Destination
	Marker       Marker
	Origin       uint32 // address of the originating instruction
}

func (r ExecutionRequest) String() string {
	return fmt.Sprintf("request{@%d %s %d %d tag=%s}", r.Origin, r.Opcode, r.Data1, r.Data2, r.Tag)
}

// ExecutionResult carries one or two output tokens.
type ExecutionResult struct {
	Output1 Token
	Output2 Token
	Marker  Marker
}

// Tokens returns the tokens that leave the processing unit.
func (r ExecutionResult) Tokens() []Token {
	if r.Marker == MarkerBoth {
		return []Token{r.Output1, r.Output2}
	}
	return []Token{r.Output1}
}

// Failure is the -1 sentinel used for failed loads and I/O.
const Failure = ^uint64(0)
