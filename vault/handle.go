package vault

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handle is an open data-plane session on one vault.  It carries its own
// cursor, which is guarded by the vault's lock, so a Handle may be shared
// between goroutines.  A Handle is bound to the vault incarnation it was
// opened on; after Delete every call fails with ErrNotInUse, even if the
// slot has been created again.
type Handle struct {
	e   *Engine
	id  int
	gen uint64
	pos int64
}

// Open checks that caller owns vault id and returns a handle positioned
// at offset 0.
func (e *Engine) Open(ctx context.Context, caller Identity, id int) (h *Handle, err error) {
	const op = "open"
	r, err := e.record(id)
	if err != nil {
		return nil, wrap(ErrInvalidVaultID, op, id)
	}
	err = r.lock(ctx)
	if err != nil {
		return nil, wrap(ErrInterrupted, op, id)
	}
	defer r.unlock()

	if r.vault == nil {
		return nil, wrap(ErrNotInUse, op, id)
	}
	if r.vault.owner != caller {
		return nil, errPermission(op, id, caller, r.vault.owner)
	}
	log.WithFields(log.Fields{"vault": id, "owner": caller}).Debug("open")
	return &Handle{e: e, id: id, gen: r.gen}, nil
}

// ID returns the vault id h is bound to.
func (h *Handle) ID() int {
	return h.id
}

// acquire locks h's vault and validates the handle and the caller.  On
// success the caller must unlock r.
func (h *Handle) acquire(ctx context.Context, caller Identity, op string) (r *record, err error) {
	r = h.e.records[h.id]
	err = r.lock(ctx)
	if err != nil {
		return nil, wrap(ErrInterrupted, op, h.id)
	}
	if r.vault == nil || r.gen != h.gen {
		r.unlock()
		return nil, wrap(ErrNotInUse, op, h.id)
	}
	if r.vault.owner != caller {
		owner := r.vault.owner
		r.unlock()
		return nil, errPermission(op, h.id, caller, owner)
	}
	return r, nil
}

// Close checks that caller owns the vault.  Nothing is released; the
// engine does not count open handles.
func (h *Handle) Close(ctx context.Context, caller Identity) (err error) {
	r, err := h.acquire(ctx, caller, "close")
	if err != nil {
		return
	}
	r.unlock()
	return
}

// Seek moves the cursor and returns its new absolute position.  whence
// is io.SeekStart, io.SeekCurrent, or io.SeekEnd; end-relative seeks
// count back from the last byte, so Seek(0, io.SeekEnd) lands on
// size-1.  The result must lie in [0, size); otherwise the cursor is
// left alone and ErrInvalidArgument is returned.
func (h *Handle) Seek(ctx context.Context, caller Identity, offset int64, whence int) (pos int64, err error) {
	const op = "seek"
	r, err := h.acquire(ctx, caller, op)
	if err != nil {
		return
	}
	defer r.unlock()

	size := r.vault.size()
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = h.pos + offset
	case io.SeekEnd:
		pos = size - 1 - offset
	default:
		return h.pos, errors.Wrapf(ErrInvalidArgument, "%s vault %d: whence %d", op, h.id, whence)
	}
	if pos < 0 || pos >= size {
		return h.pos, errors.Wrapf(ErrInvalidArgument, "%s vault %d: offset %d not in [0, %d)", op, h.id, pos, size)
	}
	h.pos = pos
	return
}

// Read decrypts up to len(p) bytes at the cursor into p and advances the
// cursor.  It returns 0 and no error at or beyond the used space.
func (h *Handle) Read(ctx context.Context, caller Identity, p []byte) (n int, err error) {
	const op = "read"
	r, err := h.acquire(ctx, caller, op)
	if err != nil {
		return
	}
	defer r.unlock()

	n, err = h.e.readAt(r.vault, p, h.pos)
	if err != nil {
		return 0, wrap(ErrAllocationFailed, op, h.id)
	}
	h.pos += int64(n)
	return
}

// ReadAt is Read at an explicit offset; the cursor does not move.
func (h *Handle) ReadAt(ctx context.Context, caller Identity, p []byte, off int64) (n int, err error) {
	const op = "read"
	if off < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s vault %d: offset %d", op, h.id, off)
	}
	r, err := h.acquire(ctx, caller, op)
	if err != nil {
		return
	}
	defer r.unlock()

	n, err = h.e.readAt(r.vault, p, off)
	if err != nil {
		return 0, wrap(ErrAllocationFailed, op, h.id)
	}
	return
}

// Write encrypts p into the vault at the cursor and advances the cursor.
// Writes are clipped to the vault's capacity; n tells how much was
// stored.
func (h *Handle) Write(ctx context.Context, caller Identity, p []byte) (n int, err error) {
	const op = "write"
	r, err := h.acquire(ctx, caller, op)
	if err != nil {
		return
	}
	defer r.unlock()

	n, err = h.e.writeAt(r.vault, p, h.pos)
	if err != nil {
		return 0, wrap(ErrAllocationFailed, op, h.id)
	}
	h.pos += int64(n)
	return
}

// WriteAt is Write at an explicit offset; the cursor does not move.
func (h *Handle) WriteAt(ctx context.Context, caller Identity, p []byte, off int64) (n int, err error) {
	const op = "write"
	if off < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s vault %d: offset %d", op, h.id, off)
	}
	r, err := h.acquire(ctx, caller, op)
	if err != nil {
		return
	}
	defer r.unlock()

	n, err = h.e.writeAt(r.vault, p, off)
	if err != nil {
		return 0, wrap(ErrAllocationFailed, op, h.id)
	}
	return
}

// readAt copies plaintext out of a.  The vault's lock must be held.
func (e *Engine) readAt(a *active, p []byte, off int64) (n int, err error) {
	avail := a.used - off
	if avail <= 0 || len(p) == 0 {
		return 0, nil
	}
	n = len(p)
	if int64(n) > avail {
		n = int(avail)
	}
	buf, err := e.mem.alloc(n)
	if err != nil {
		return 0, err
	}
	defer e.mem.free(buf)
	copy(buf, a.data[off:off+int64(n)])
	Transform(buf, off, &a.key)
	copy(p, buf)
	log.Debugf("read %d bytes at %d", n, off)
	return
}

// writeAt stores p into a as ciphertext.  The vault's lock must be held.
func (e *Engine) writeAt(a *active, p []byte, off int64) (n int, err error) {
	avail := a.size() - off
	if avail <= 0 || len(p) == 0 {
		return 0, nil
	}
	n = len(p)
	if int64(n) > avail {
		n = int(avail)
	}
	buf, err := e.mem.alloc(n)
	if err != nil {
		return 0, err
	}
	defer e.mem.free(buf)
	copy(buf, p[:n])
	Transform(buf, off, &a.key)
	copy(a.data[off:], buf)
	end := off + int64(n)
	if end > a.used {
		a.used = end
	}
	log.Debugf("wrote %d bytes at %d, used %d", n, off, a.used)
	return
}

// Stream binds h to ctx and caller so it can be used wherever an
// io.ReadWriteSeeker is expected.  Reads at the end of the used space
// return io.EOF; clipped writes return io.ErrShortWrite.
func (h *Handle) Stream(ctx context.Context, caller Identity) io.ReadWriteSeeker {
	return &stream{h: h, ctx: ctx, caller: caller}
}

type stream struct {
	h      *Handle
	ctx    context.Context
	caller Identity
}

func (s *stream) Read(p []byte) (n int, err error) {
	n, err = s.h.Read(s.ctx, s.caller, p)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return
}

func (s *stream) Write(p []byte) (n int, err error) {
	n, err = s.h.Write(s.ctx, s.caller, p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return
}

func (s *stream) Seek(offset int64, whence int) (int64, error) {
	return s.h.Seek(s.ctx, s.caller, offset, whence)
}
