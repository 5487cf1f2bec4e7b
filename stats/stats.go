package stats

import "reflect"
import "sync/atomic"
import "strconv"
import "strings"
import "unsafe"

// Timing enables cycle accounting; counters are always kept since the
// kernel's error reporting relies on them.
const Timing = false

type Counter_t int64
type Cycles_t int64

func (c *Counter_t) _p() *int64 {
	return (*int64)(unsafe.Pointer(c))
}

func (c *Counter_t) Inc() {
	atomic.AddInt64(c._p(), 1)
}

func (c *Counter_t) Add(n int64) {
	atomic.AddInt64(c._p(), n)
}

func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64(c._p())
}

func (c *Cycles_t) Add(start, now uint64) {
	if Timing {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(now-start))
	}
}

// Stats2String renders every Counter_t and Cycles_t field of the struct st
// (or pointer to one), one per line.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		var n int64
		if !strings.HasSuffix(t, "Counter_t") && !strings.HasSuffix(t, "Cycles_t") {
			continue
		}
		n = v.Field(i).Int()
		s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(n, 10)
	}
	return s + "\n"
}
