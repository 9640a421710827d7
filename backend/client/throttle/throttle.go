package throttle

import (
	"sync"
	"sync/atomic"
)

// DefaultFrameRate is the number of calls per emission when nothing else is set.
const DefaultFrameRate = 10

// Rate is a threshold shared between a throttled func and whoever tunes it.
type Rate struct {
	v atomic.Int64
}

func NewRate(n int) *Rate {
	r := &Rate{}
	r.Set(n)
	return r
}

// Set changes the threshold; the next call already sees it.
func (r *Rate) Set(n int) {
	r.v.Store(int64(n))
}

func (r *Rate) Get() int {
	return int(r.v.Load())
}

// Each returns a func that calls fn with its latest args once every rate calls,
// or right away when immediate is set. Skipped args are dropped. Both firing
// paths reset the counter.
func Each[T any](fn func(T), rate *Rate) func(args T, immediate bool) {
	var (
		mx    sync.Mutex
		times int
	)
	return func(args T, immediate bool) {
		mx.Lock()
		times++
		fire := immediate || times >= rate.Get()
		if fire {
			times = 0
		}
		mx.Unlock()

		if fire {
			fn(args)
		}
	}
}
