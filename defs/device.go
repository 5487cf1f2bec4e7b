package defs

type Mkdev_t uint

const (
	D_CONSOLE Mkdev_t = 1
	D_DEVNULL Mkdev_t = 4
	D_DEVZERO Mkdev_t = 5
	D_FIRST           = D_CONSOLE
	D_LAST            = D_DEVZERO
)

// device namespace understood by open(2)
var Devpaths = map[string]Mkdev_t{
	"/dev/console": D_CONSOLE,
	"/dev/null":    D_DEVNULL,
	"/dev/zero":    D_DEVZERO,
}
