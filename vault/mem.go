package vault

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// allocator hands out vault and transient buffers against an optional
// byte budget shared by the whole engine.  A zero limit means unlimited.
type allocator struct {
	limit int64
	inuse int64 // atomic
}

func (a *allocator) alloc(n int) (buf []byte, err error) {
	total := atomic.AddInt64(&a.inuse, int64(n))
	if a.limit > 0 && total > a.limit {
		atomic.AddInt64(&a.inuse, -int64(n))
		return nil, ErrAllocationFailed
	}
	return make([]byte, n), nil
}

// free wipes buf and returns its bytes to the budget.
func (a *allocator) free(buf []byte) {
	wipe(buf)
	atomic.AddInt64(&a.inuse, -int64(len(buf)))
}

// pin keeps a vault buffer out of swap if the platform lets us.
func (a *allocator) pin(buf []byte) {
	err := lockMemory(buf)
	if err != nil {
		log.Debugf("mlock %d bytes: %v", len(buf), err)
	}
}

func (a *allocator) unpin(buf []byte) {
	err := unlockMemory(buf)
	if err != nil {
		log.Debugf("munlock %d bytes: %v", len(buf), err)
	}
}

func (a *allocator) used() int64 {
	return atomic.LoadInt64(&a.inuse)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
