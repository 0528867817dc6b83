package x64

// Operation is a mnemonic without its size suffix.
type Operation string

func (op Operation) String() string {
	return string(op)
}

const (
	NOP   Operation = "nop"
	RET   Operation = "ret"
	MOV   Operation = "mov"
	MOVZX Operation = "movz"
	MOVSX Operation = "movs"
	LEA   Operation = "lea"
	ADD   Operation = "add"
	SUB   Operation = "sub"
	AND   Operation = "and"
	OR    Operation = "or"
	XOR   Operation = "xor"
	CMP   Operation = "cmp"
	TEST  Operation = "test"
	INC   Operation = "inc"
	DEC   Operation = "dec"
	NEG   Operation = "neg"
	NOT   Operation = "not"
	SHL   Operation = "shl"
	SHR   Operation = "shr"
	SAR   Operation = "sar"
	IMUL  Operation = "imul"
	JMP   Operation = "jmp"
	JCC   Operation = "jcc"
	LABEL Operation = "label"
)

type OPCodeInfo struct {
	Operation Operation
	// number of explicit operands
	Operands int
	// accepts a b/w/l/q size suffix
	Sized bool
	// writes the last operand
	WritesDest bool
	// updates CF ZF SF OF
	WritesFlags bool
}

var opCodeInfos = map[Operation]OPCodeInfo{
	NOP:   {Operands: 0},
	RET:   {Operands: 0},
	MOV:   {Operands: 2, Sized: true, WritesDest: true},
	LEA:   {Operands: 2, Sized: true, WritesDest: true},
	ADD:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	SUB:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	AND:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	OR:    {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	XOR:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	CMP:   {Operands: 2, Sized: true, WritesFlags: true},
	TEST:  {Operands: 2, Sized: true, WritesFlags: true},
	INC:   {Operands: 1, Sized: true, WritesDest: true, WritesFlags: true},
	DEC:   {Operands: 1, Sized: true, WritesDest: true, WritesFlags: true},
	NEG:   {Operands: 1, Sized: true, WritesDest: true, WritesFlags: true},
	NOT:   {Operands: 1, Sized: true, WritesDest: true},
	SHL:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	SHR:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	SAR:   {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	IMUL:  {Operands: 2, Sized: true, WritesDest: true, WritesFlags: true},
	JMP:   {Operands: 1},
	JCC:   {Operands: 1},
	MOVZX: {Operands: 2, WritesDest: true},
	MOVSX: {Operands: 2, WritesDest: true},
	LABEL: {Operands: 0},
}

var aliases = map[string]Operation{
	"retq": RET,
	"sal":  SHL,
}

func init() {
	for k, info := range opCodeInfos {
		info.Operation = k
		opCodeInfos[k] = info
	}
}

func GetOPCodeInfo(op Operation) (OPCodeInfo, bool) {
	info, ok := opCodeInfos[op]
	return info, ok
}
