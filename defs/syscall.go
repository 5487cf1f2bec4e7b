package defs

type Fdopt_t uint

const (
	SYS_READ            = 0
	SYS_WRITE           = 1
	SYS_OPEN            = 2
	O_RDONLY    Fdopt_t = 0
	O_WRONLY    Fdopt_t = 1
	O_RDWR      Fdopt_t = 2
	O_CREAT     Fdopt_t = 0x40
	O_NONBLOCK  Fdopt_t = 0x800
	O_CLOEXEC   Fdopt_t = 0x80000
	SYS_CLOSE           = 3
	SYS_MMAP            = 9
	MAP_SHARED          = 0x1
	MAP_PRIVATE         = 0x2
	MAP_FIXED           = 0x10
	MAP_ANON            = 0x20
	MAP_FAILED          = -1
	PROT_NONE           = 0x0
	PROT_READ           = 0x1
	PROT_WRITE          = 0x2
	PROT_EXEC           = 0x4
	SYS_MUNMAP          = 11
	SYS_BRK             = 12
	SYS_PIPE            = 22
	SYS_GETPID          = 39
	SYS_SOCKET          = 41
	// domains
	AF_INET  = 2
	AF_INET6 = 10
	// types
	SOCK_STREAM   = 1
	SOCK_DGRAM    = 2
	SOCK_RAW      = 3
	// or'd into the type
	SOCK_NONBLOCK = 0x800
	// protocols
	IPPROTO_ICMP   = 1
	IPPROTO_TCP    = 6
	IPPROTO_UDP    = 17
	IPPROTO_ICMPV6 = 58
	SYS_CONNECT    = 42
	SYS_ACCEPT     = 43
	SYS_SENDTO     = 44
	SYS_RECVFROM   = 45
	SYS_BIND       = 49
	INADDR_ANY     = 0
	SYS_LISTEN     = 50
	SYS_GETSOCKOPT = 55
	SYS_SETSOCKOPT = 56
	// socket levels
	SOL_SOCKET = 1
	IPPROTO_IP = 0
	// socket options
	SO_REUSEADDR   = 2
	SO_BROADCAST   = 6
	SO_SNDBUF      = 7
	SO_RCVBUF      = 8
	SO_KEEPALIVE   = 9
	SO_REUSEPORT   = 15
	SO_RCVTIMEO    = 20
	SO_SNDTIMEO    = 21
	SO_ERROR       = 4
	TCP_NODELAY    = 1
	TCP_USERTIMEO  = 18
	IP_TTL         = 2
	IP_ADD_MEMB    = 35
	IP_DROP_MEMB   = 36
	SYS_FORK       = 57
	SYS_EXECV      = 59
	SYS_EXIT       = 60
	SYS_WAIT4      = 61
	WNOHANG        = 1
	SYS_KILL       = 62
	SYS_SHMGET     = 29
	SYS_SHMAT      = 30
	SYS_SHMCTL     = 31
	SYS_SHMDT      = 67
	SYS_MSGGET     = 68
	SYS_MSGSND     = 69
	SYS_MSGRCV     = 70
	SYS_MSGCTL     = 71
	IPC_RMID       = 0
	IPC_NOWAIT     = 0x800
	SYS_SHUTDOWN   = 48
	SHUT_RD        = 0
	SHUT_WR        = 1
	SHUT_RDWR      = 2
	SYS_DUP2       = 33
	SYS_SETPRIO    = 141
	SYS_GETTIME    = 228
	SYS_NANOSLEEP  = 230
	SYS_SIGACT     = 13
	SYS_SIGMASK    = 14
	SYS_SIGRETURN  = 15
	SYS_YIELD      = 24
	SYS_GETRUSAGE  = 98
	SYS_GETPPID    = 110
)

// signal dispositions; any other value is a handler address
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// POSIX signal numbers
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	NSIG    = 32
)

// sigprocmask how
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// Mkexitsig returns the canonical exit status of a process killed by sig.
func Mkexitsig(sig int) int {
	if sig <= 0 || sig >= NSIG {
		panic("bad sig")
	}
	return 128 + sig
}
