package hashtable

import "fmt"
import "hash/fnv"
import "sync"
import "sync/atomic"

// readers walk buckets without locks; writers serialize per bucket and
// publish list updates with atomic pointer stores.
type elem_t[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    atomic.Pointer[elem_t[K, V]]
}

type bucket_t[K comparable, V any] struct {
	sync.Mutex
	first atomic.Pointer[elem_t[K, V]]
}

type Hashtable_t[K comparable, V any] struct {
	table []*bucket_t[K, V]
	hf    func(K) uint32
	n     int64
}

// MkHash returns a table with size buckets hashing keys with hf.
func MkHash[K comparable, V any](size int, hf func(K) uint32) *Hashtable_t[K, V] {
	ht := &Hashtable_t[K, V]{hf: hf}
	ht.table = make([]*bucket_t[K, V], size)
	for i := range ht.table {
		ht.table[i] = &bucket_t[K, V]{}
	}
	return ht
}

func Hashint[K ~int | ~int32 | ~uint32 | ~uint16](k K) uint32 {
	return uint32(k)
}

func Hashstr(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Hashbytes is for keys that are fixed size tuples encoded into bytes.
func Hashbytes(b []uint8) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}

func (ht *Hashtable_t[K, V]) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first.Load() != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first.Load(); e != nil; e = e.next.Load() {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += "\n"
		}
	}
	return s
}

func (ht *Hashtable_t[K, V]) khash(key K) uint32 {
	return uint32(2654435761) * ht.hf(key)
}

func (ht *Hashtable_t[K, V]) bucket(kh uint32) *bucket_t[K, V] {
	return ht.table[int(kh%uint32(len(ht.table)))]
}

func (ht *Hashtable_t[K, V]) Get(key K) (V, bool) {
	kh := ht.khash(key)
	b := ht.bucket(kh)
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts key if it is absent and returns (value, true). If key is
// present, the table is unchanged and the existing value is returned with
// false.
func (ht *Hashtable_t[K, V]) Set(key K, value V) (V, bool) {
	kh := ht.khash(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
		if kh < e.keyHash {
			break
		}
		last = e
	}
	n := &elem_t[K, V]{key: key, value: value, keyHash: kh}
	if last == nil {
		n.next.Store(b.first.Load())
		b.first.Store(n)
	} else {
		n.next.Store(last.next.Load())
		last.next.Store(n)
	}
	atomic.AddInt64(&ht.n, 1)
	return value, true
}

// Del removes key and reports whether it was present.
func (ht *Hashtable_t[K, V]) Del(key K) bool {
	kh := ht.khash(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				b.first.Store(e.next.Load())
			} else {
				last.next.Store(e.next.Load())
			}
			atomic.AddInt64(&ht.n, -1)
			return true
		}
		if kh < e.keyHash {
			return false
		}
		last = e
	}
	return false
}

// Iter calls f on every element until f returns true. Elements inserted or
// removed concurrently may or may not be visited.
func (ht *Hashtable_t[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.table {
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

func (ht *Hashtable_t[K, V]) Size() int {
	return int(atomic.LoadInt64(&ht.n))
}
