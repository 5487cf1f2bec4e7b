package util

import "unsafe"

type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Rounddown[T Int](v T, b T) T {
	return v - (v % b)
}

func Roundup[T Int](v T, b T) T {
	return Rounddown(v+b-1, b)
}

// Order returns the smallest o such that 1<<o >= n.
func Order(n int) int {
	o := 0
	for (1 << uint(o)) < n {
		o++
	}
	return o
}

func Readn(a []uint8, n int, off int) int {
	p := unsafe.Pointer(&a[off])
	var ret int
	switch n {
	case 8:
		ret = *(*int)(p)
	case 4:
		ret = int(*(*uint32)(p))
	case 2:
		ret = int(*(*uint16)(p))
	case 1:
		ret = int(*(*uint8)(p))
	default:
		panic("no")
	}
	return ret
}

func Writen(a []uint8, sz int, off int, val int) {
	p := unsafe.Pointer(&a[off])
	switch sz {
	case 8:
		*(*int)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("no")
	}
}
