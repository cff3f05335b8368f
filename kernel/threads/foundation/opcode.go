package foundation

// Opcode selects an instruction's operation. Numbering is part of the module
// file format and must not be reordered.
type Opcode uint32

const (
	ADD Opcode = iota
	SUB
	BRR // branch
	LT
	EQ
	DUP
	NEG
	MER // merge
	NTG // new tag
	ITG // iterate tag
	GT
	SIL // set iteration level
	CTG // copy tag
	RTD // return to destination
	ETG // extract tag
	MUL
	XOR
	AND
	OR
	SHL
	SHR
	NEQ
	OPN
	RED
	WRT
	CLS
	GTE
	LTE
	HLT
	LOD
	LS
	SDF // sendfile
	ULK // unlink
	LSK // lseek
	RND

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	ADD: "ADD", SUB: "SUB", BRR: "BRR", LT: "LT", EQ: "EQ", DUP: "DUP", NEG: "NEG",
	MER: "MER", NTG: "NTG", ITG: "ITG", GT: "GT", SIL: "SIL", CTG: "CTG", RTD: "RTD",
	ETG: "ETG", MUL: "MUL", XOR: "XOR", AND: "AND", OR: "OR", SHL: "SHL", SHR: "SHR",
	NEQ: "NEQ", OPN: "OPN", RED: "RED", WRT: "WRT", CLS: "CLS", GTE: "GTE", LTE: "LTE",
	HLT: "HLT", LOD: "LOD", LS: "LS", SDF: "SDF", ULK: "ULK", LSK: "LSK", RND: "RND",
}

// Operand count per opcode
var opcodeInputs = [opcodeCount]uint8{
	ADD: 2, SUB: 2, BRR: 2, LT: 2, EQ: 2, DUP: 1, NEG: 1,
	MER: 1, NTG: 1, ITG: 1, GT: 2, SIL: 2, CTG: 2, RTD: 2,
	ETG: 1, MUL: 2, XOR: 2, AND: 2, OR: 2, SHL: 2, SHR: 2,
	NEQ: 2, OPN: 2, RED: 1, WRT: 2, CLS: 1, GTE: 2, LTE: 2,
	HLT: 1, LOD: 2, LS: 1, SDF: 2, ULK: 1, LSK: 2, RND: 1,
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// Inputs returns how many operands op consumes. Unknown opcodes report 0.
func (op Opcode) Inputs() uint8 {
	if !op.Valid() {
		return 0
	}
	return opcodeInputs[op]
}

// Privileged reports whether op is withheld from unprivileged modules.
func (op Opcode) Privileged() bool {
	switch op {
	case OPN, RED, WRT, CLS, HLT, LOD, LS, SDF, ULK, LSK, RND:
		return true
	}
	return false
}

// IsIO reports whether op is serviced by the I/O executor.
func (op Opcode) IsIO() bool {
	switch op {
	case OPN, RED, WRT, CLS, LS, SDF, ULK, LSK:
		return true
	}
	return false
}

func (op Opcode) String() string {
	if !op.Valid() {
		return "OP?"
	}
	return opcodeNames[op]
}
