package defs

type Tid_t int

type Pid_t int

const (
	DIVZERO = 0
	UD      = 6
	GPFAULT = 13
	PGFAULT = 14
	TIMER   = 32
	SYSCALL = 64

	IRQ_BASE = 32
)

// page fault error code bits pushed by the cpu
const (
	PGFAULT_P = 1 << 0
	PGFAULT_W = 1 << 1
	PGFAULT_U = 1 << 2
	PGFAULT_I = 1 << 4
)

const (
	PGSHIFT uint = 12
	PGSIZE  int  = 1 << PGSHIFT
	PGOFFSET     = 0xfff
)

// saved general purpose register slots of a cpu context
const (
	TF_RAX = iota
	TF_RBX
	TF_RCX
	TF_RDX
	TF_RSI
	TF_RDI
	TF_RBP
	TF_R8
	TF_R9
	TF_R10
	TF_R11
	TF_R12
	TF_R13
	TF_R14
	TF_R15
	TFREGS
)

const TF_FL_IF = 1 << 9
