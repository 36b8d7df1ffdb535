package vault

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultVaults is the number of vault slots an engine has unless
	// Config says otherwise.
	DefaultVaults = 4
	// DefaultMaxSize is the largest vault capacity in bytes unless
	// Config says otherwise.
	DefaultMaxSize = 1048576
)

// Config fixes the shape of an engine at construction time.  Zero fields
// take the defaults.
type Config struct {
	Vaults      int   // number of vault slots
	MaxSize     int64 // maximum vault capacity in bytes
	MemoryLimit int64 // budget for vault and transient buffers; 0 is unlimited
}

func (cfg Config) withDefaults() Config {
	if cfg.Vaults < 1 {
		cfg.Vaults = DefaultVaults
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MemoryLimit < 0 {
		cfg.MemoryLimit = 0
	}
	return cfg
}

// Registrar makes an active vault's data-plane entry point reachable by
// name.  The engine calls Register while creating a vault, before the
// vault becomes active, and Unregister when the vault goes away.  Both
// are called with that vault's record locked, so they must not call
// back into the engine for the same vault.
type Registrar interface {
	Register(id int) error
	Unregister(id int)
}

type registrarBox struct {
	reg Registrar
}

// Engine owns the vault table.  It is safe for concurrent use.
type Engine struct {
	cfg     Config
	records []*record
	mem     allocator
	reg     atomic.Value // registrarBox
}

// New creates an engine with cfg.Vaults unallocated records.
func New(cfg Config) (e *Engine) {
	cfg = cfg.withDefaults()
	e = &Engine{
		cfg:     cfg,
		records: make([]*record, cfg.Vaults),
		mem:     allocator{limit: cfg.MemoryLimit},
	}
	for i := range e.records {
		e.records[i] = newRecord(i)
	}
	e.reg.Store(registrarBox{})
	log.Debugf("engine: %d vaults, max size %d, memory limit %d", cfg.Vaults, cfg.MaxSize, cfg.MemoryLimit)
	return
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Vaults returns the number of vault slots.
func (e *Engine) Vaults() int {
	return len(e.records)
}

// MemoryInUse returns the bytes currently held in vault and transient
// buffers.
func (e *Engine) MemoryInUse() int64 {
	return e.mem.used()
}

// Attach installs reg as the entry point registrar and registers every
// vault that is already active.  Attach(nil) detaches without
// unregistering anything.
func (e *Engine) Attach(reg Registrar) {
	e.reg.Store(registrarBox{reg: reg})
	if reg == nil {
		return
	}
	for _, r := range e.records {
		// uninterruptible: attach happens at daemon startup
		_ = r.lock(context.Background())
		if r.vault != nil {
			err := reg.Register(r.id)
			if err != nil {
				log.Errorf("register vault %d: %v", r.id, err)
			}
		}
		r.unlock()
	}
}

func (e *Engine) registrar() Registrar {
	return e.reg.Load().(registrarBox).reg
}

// Close resets every record, tearing down entry points and wiping
// buffers.  The engine stays usable; all slots are simply unallocated.
func (e *Engine) Close() {
	for _, r := range e.records {
		_ = r.lock(context.Background())
		if r.vault != nil {
			log.WithFields(log.Fields{"vault": r.id, "owner": r.vault.owner}).Info("teardown")
			e.reset(r)
		}
		r.unlock()
	}
}

// record looks up a slot without locking it.
func (e *Engine) record(id int) (*record, error) {
	if id < 0 || id >= len(e.records) {
		return nil, ErrInvalidVaultID
	}
	return e.records[id], nil
}

// reset returns r to the unallocated state.  r must be locked.
func (e *Engine) reset(r *record) {
	a := r.vault
	if a == nil {
		return
	}
	reg := e.registrar()
	if reg != nil {
		reg.Unregister(r.id)
	}
	e.mem.unpin(a.data)
	e.mem.free(a.data)
	wipe(a.key[:])
	r.vault = nil
}

// Info is a snapshot of one vault slot.
type Info struct {
	ID    int
	InUse bool
	Owner Identity
	Size  int64
	Used  int64
}

// Stat returns a snapshot of vault id.  It does not check ownership; it
// exposes nothing but sizes and the owner.
func (e *Engine) Stat(ctx context.Context, id int) (info Info, err error) {
	r, err := e.record(id)
	if err != nil {
		return info, wrap(ErrInvalidVaultID, "stat", id)
	}
	err = r.lock(ctx)
	if err != nil {
		return info, wrap(ErrInterrupted, "stat", id)
	}
	defer r.unlock()
	info.ID = id
	if r.vault != nil {
		info.InUse = true
		info.Owner = r.vault.owner
		info.Size = r.vault.size()
		info.Used = r.vault.used
	}
	return
}

// errPermission logs and builds a PermissionDenied error.
func errPermission(op string, id int, caller, owner Identity) error {
	log.WithFields(log.Fields{"vault": id, "caller": caller, "owner": owner}).Warnf("%s: permission denied", op)
	return wrap(ErrPermissionDenied, op, id)
}
