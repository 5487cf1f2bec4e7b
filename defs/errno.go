package defs

import "strconv"

const (
	EPERM         Err_t = 1
	ENOENT        Err_t = 2
	ESRCH         Err_t = 3
	EINTR         Err_t = 4
	EIO           Err_t = 5
	E2BIG         Err_t = 7
	EBADF         Err_t = 9
	ECHILD        Err_t = 10
	EAGAIN        Err_t = 11
	EWOULDBLOCK         = EAGAIN
	ENOMEM        Err_t = 12
	EACCES        Err_t = 13
	EFAULT        Err_t = 14
	EBUSY         Err_t = 16
	EEXIST        Err_t = 17
	ENODEV        Err_t = 19
	EINVAL        Err_t = 22
	EMFILE        Err_t = 24
	ENOSPC        Err_t = 28
	ESPIPE        Err_t = 29
	EPIPE         Err_t = 32
	ERANGE        Err_t = 34
	ENAMETOOLONG  Err_t = 36
	ENOSYS        Err_t = 38
	EPROTO        Err_t = 71
	ENOTSOCK      Err_t = 88
	EMSGSIZE      Err_t = 90
	EPROTOTYPE    Err_t = 91
	ENOPROTOOPT   Err_t = 92
	EOPNOTSUPP    Err_t = 95
	EAFNOSUPPORT  Err_t = 97
	EADDRINUSE    Err_t = 98
	EADDRNOTAVAIL Err_t = 99
	ENETDOWN      Err_t = 100
	ENETUNREACH   Err_t = 101
	ECONNRESET    Err_t = 104
	ENOBUFS       Err_t = 105
	EISCONN       Err_t = 106
	ENOTCONN      Err_t = 107
	ETIMEDOUT     Err_t = 110
	ECONNREFUSED  Err_t = 111
	EHOSTUNREACH  Err_t = 113
	EALREADY      Err_t = 114
	EINPROGRESS   Err_t = 115
	ENOHEAP       Err_t = 511
)

// kernel-private codes; never returned to user space as is.
const (
	EINVALORDER  Err_t = 512
	EOVERLAP     Err_t = 513
	ENOVSPACE    Err_t = 514
	EMAPFAIL     Err_t = 515
	EWRITEVIOL   Err_t = 516
	EEXECVIOL    Err_t = 517
	EPRIVVIOL    Err_t = 518
	EGUARDVIOL   Err_t = 519
	EFRAG        Err_t = 520
	ENOTHREAD    Err_t = 521
	ESIGINVAL    Err_t = 522
	EBADPKT      Err_t = 523
	EPORTUNREACH Err_t = 524
	ENOROUTE     Err_t = 525
	// the calling thread was parked; re-issue the operation when it runs
	ERESTART Err_t = 526
)

type Err_t int

var errnames = map[Err_t]string{
	EPERM: "EPERM", ENOENT: "ENOENT", ESRCH: "ESRCH", EINTR: "EINTR",
	EIO: "EIO", E2BIG: "E2BIG", EBADF: "EBADF", ECHILD: "ECHILD",
	EAGAIN: "EAGAIN", ENOMEM: "ENOMEM", EACCES: "EACCES",
	EFAULT: "EFAULT", EBUSY: "EBUSY", EEXIST: "EEXIST", ENODEV: "ENODEV",
	EINVAL: "EINVAL", EMFILE: "EMFILE", ENOSPC: "ENOSPC",
	ESPIPE: "ESPIPE", EPIPE: "EPIPE", ERANGE: "ERANGE",
	ENAMETOOLONG: "ENAMETOOLONG", ENOSYS: "ENOSYS",
	EPROTO: "EPROTO", ENOTSOCK: "ENOTSOCK", EMSGSIZE: "EMSGSIZE",
	EPROTOTYPE: "EPROTOTYPE",
	ENOPROTOOPT: "ENOPROTOOPT", EOPNOTSUPP: "EOPNOTSUPP",
	EAFNOSUPPORT: "EAFNOSUPPORT", EADDRINUSE: "EADDRINUSE",
	EADDRNOTAVAIL: "EADDRNOTAVAIL", ENETDOWN: "ENETDOWN",
	ENETUNREACH: "ENETUNREACH", ECONNRESET: "ECONNRESET",
	ENOBUFS: "ENOBUFS", EISCONN: "EISCONN", ENOTCONN: "ENOTCONN",
	ETIMEDOUT: "ETIMEDOUT", ECONNREFUSED: "ECONNREFUSED",
	EHOSTUNREACH: "EHOSTUNREACH", EALREADY: "EALREADY",
	EINPROGRESS: "EINPROGRESS", ENOHEAP: "ENOHEAP",
	EINVALORDER: "EINVALORDER", EOVERLAP: "EOVERLAP",
	ENOVSPACE: "ENOVSPACE", EMAPFAIL: "EMAPFAIL",
	EWRITEVIOL: "EWRITEVIOL", EEXECVIOL: "EEXECVIOL",
	EPRIVVIOL: "EPRIVVIOL", EGUARDVIOL: "EGUARDVIOL", EFRAG: "EFRAG",
	ENOTHREAD: "ENOTHREAD", ESIGINVAL: "ESIGINVAL", EBADPKT: "EBADPKT",
	EPORTUNREACH: "EPORTUNREACH", ENOROUTE: "ENOROUTE",
	ERESTART: "ERESTART",
}

// String accepts both signs since callers pass the negated code around.
func (e Err_t) String() string {
	if e == 0 {
		return "OK"
	}
	n := e
	if n < 0 {
		n = -n
	}
	if s, ok := errnames[n]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(n))
}
