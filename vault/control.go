package vault

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Opcode selects a control-plane operation.  The numbering, including
// the gap, matches the sv_ctl wire protocol.
type Opcode uint32

const (
	OpCreate    Opcode = 0
	OpChangeKey Opcode = 1
	OpDelete    Opcode = 3
	OpErase     Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpChangeKey:
		return "changekey"
	case OpDelete:
		return "delete"
	case OpErase:
		return "erase"
	}
	return fmt.Sprintf("opcode(%d)", uint32(op))
}

// Request is one control-plane message.  Key is at most KeySize bytes
// and only meaningful for create and change-key; Size is only
// meaningful for create.
type Request struct {
	Op     Opcode `msgpack:"op"`
	Key    []byte `msgpack:"key"`
	Size   uint64 `msgpack:"size"`
	Device uint32 `msgpack:"device"`
}

type controlFunc func(e *Engine, ctx context.Context, caller Identity, req *Request) error

var controlTable = map[Opcode]controlFunc{
	OpCreate: func(e *Engine, ctx context.Context, caller Identity, req *Request) error {
		key, err := requestKey(req)
		if err != nil {
			return err
		}
		return e.Create(ctx, caller, int(req.Device), req.Size, key)
	},
	OpChangeKey: func(e *Engine, ctx context.Context, caller Identity, req *Request) error {
		key, err := requestKey(req)
		if err != nil {
			return err
		}
		return e.ChangeKey(ctx, caller, int(req.Device), key)
	},
	OpErase: func(e *Engine, ctx context.Context, caller Identity, req *Request) error {
		return e.Erase(ctx, caller, int(req.Device))
	},
	OpDelete: func(e *Engine, ctx context.Context, caller Identity, req *Request) error {
		return e.Delete(ctx, caller, int(req.Device))
	},
}

// requestKey accepts a key of up to KeySize bytes, plus one trailing NUL
// from clients that send it C-string style.
func requestKey(req *Request) (key Key, err error) {
	b := req.Key
	if len(b) == KeySize+1 && b[KeySize] == 0 {
		b = b[:KeySize]
	}
	key, err = NewKey(b)
	if err != nil {
		return key, errors.Wrapf(err, "%s vault %d", req.Op, req.Device)
	}
	return
}

// Control dispatches req on behalf of caller.
func (e *Engine) Control(ctx context.Context, caller Identity, req Request) (err error) {
	fn, ok := controlTable[req.Op]
	if !ok {
		log.Warnf("unknown control opcode %d from %d", uint32(req.Op), caller)
		return errors.Wrapf(ErrUnsupportedOperation, "opcode %d", uint32(req.Op))
	}
	return fn(e, ctx, caller, &req)
}

// Create allocates vault id with a zeroed buffer of size bytes, owned by
// caller and encrypted with key.  The vault's entry point is registered
// before the vault becomes active.
func (e *Engine) Create(ctx context.Context, caller Identity, id int, size uint64, key Key) (err error) {
	const op = "create"
	r, err := e.record(id)
	if err != nil {
		return wrap(ErrInvalidVaultID, op, id)
	}
	err = r.lock(ctx)
	if err != nil {
		return wrap(ErrInterrupted, op, id)
	}
	defer r.unlock()

	if r.vault != nil {
		return wrap(ErrAlreadyInUse, op, id)
	}
	if size < 1 || size > uint64(e.cfg.MaxSize) {
		return errors.Wrapf(ErrInvalidSize, "%s vault %d: size %d not in [1, %d]", op, id, size, e.cfg.MaxSize)
	}

	data, err := e.mem.alloc(int(size))
	if err != nil {
		return wrap(ErrAllocationFailed, op, id)
	}
	e.mem.pin(data)

	reg := e.registrar()
	if reg != nil {
		err = reg.Register(id)
		if err != nil {
			log.Errorf("register vault %d: %v", id, err)
			e.mem.unpin(data)
			e.mem.free(data)
			return errors.Wrapf(ErrAllocationFailed, "%s vault %d: entry point: %v", op, id, err)
		}
	}

	r.gen++
	r.vault = &active{
		owner: caller,
		key:   key,
		data:  data,
	}
	log.WithFields(log.Fields{"vault": id, "owner": caller, "size": size}).Info("created")
	return
}

// owned locks vault id and runs fn if caller owns it.
func (e *Engine) owned(ctx context.Context, caller Identity, id int, op string, fn func(r *record)) (err error) {
	r, err := e.record(id)
	if err != nil {
		return wrap(ErrInvalidVaultID, op, id)
	}
	err = r.lock(ctx)
	if err != nil {
		return wrap(ErrInterrupted, op, id)
	}
	defer r.unlock()

	if r.vault == nil {
		return wrap(ErrNotInUse, op, id)
	}
	if r.vault.owner != caller {
		return errPermission(op, id, caller, r.vault.owner)
	}
	fn(r)
	return
}

// ChangeKey replaces the key of vault id.  Stored bytes are not
// re-encrypted, so data written under the old key no longer reads back
// as the original plaintext.
func (e *Engine) ChangeKey(ctx context.Context, caller Identity, id int, key Key) error {
	return e.owned(ctx, caller, id, "changekey", func(r *record) {
		r.vault.key = key
		log.WithFields(log.Fields{"vault": id, "owner": caller}).Info("key changed")
	})
}

// Erase zeroes vault id and resets its used space.  Capacity, key, and
// owner are kept.
func (e *Engine) Erase(ctx context.Context, caller Identity, id int) error {
	return e.owned(ctx, caller, id, "erase", func(r *record) {
		wipe(r.vault.data)
		r.vault.used = 0
		log.WithFields(log.Fields{"vault": id, "owner": caller}).Info("erased")
	})
}

// Delete releases vault id and removes its entry point.  Handles opened
// on it fail with ErrNotInUse from then on.
func (e *Engine) Delete(ctx context.Context, caller Identity, id int) error {
	return e.owned(ctx, caller, id, "delete", func(r *record) {
		e.reset(r)
		log.WithFields(log.Fields{"vault": id, "owner": caller}).Info("deleted")
	})
}
