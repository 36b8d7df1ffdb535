package vault

import (
	"context"
)

// Identity is an opaque caller identity.  The engine only compares
// identities for equality; the daemon uses the peer's uid.
type Identity uint32

// record is one vault slot.  vault is nil while the slot is unallocated,
// so an unallocated record cannot carry a buffer, a key, or an owner.
// All fields except id and sem are guarded by sem.
type record struct {
	id    int
	sem   chan struct{}
	gen   uint64 // bumped by every successful create
	vault *active
}

// active is the state of an allocated vault.  len(data) is the capacity
// and never changes; data holds ciphertext.
type active struct {
	owner Identity
	key   Key
	data  []byte
	used  int64
}

func newRecord(id int) *record {
	return &record{
		id:  id,
		sem: make(chan struct{}, 1),
	}
}

// lock acquires the record, giving up with ErrInterrupted if ctx is
// done while we wait.
func (r *record) lock(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (r *record) unlock() {
	<-r.sem
}

func (a *active) size() int64 {
	return int64(len(a.data))
}
