package vault

import (
	"context"
	"sync"
	"testing"
	"time"
)

const (
	alice Identity = 1000
	bob   Identity = 1001
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// tcode asserts that err carries code
func tcode(t *testing.T, err error, code Code) {
	t.Helper()
	got, ok := CodeOf(err)
	if !ok || got != code {
		t.Fatalf("expected %v, got %#v (%v)", code, got, err)
	}
}

func mkkey(t *testing.T, s string) Key {
	t.Helper()
	key, err := NewKey([]byte(s))
	tassert(t, err == nil, "%v", err)
	return key
}

func setup(t *testing.T, cfg Config) (e *Engine, ctx context.Context) {
	e = New(cfg)
	t.Cleanup(e.Close)
	return e, context.Background()
}

// mkvault creates vault id for owner and opens a handle on it
func mkvault(t *testing.T, e *Engine, owner Identity, id int, size uint64, key string) *Handle {
	t.Helper()
	ctx := context.Background()
	err := e.Create(ctx, owner, id, size, mkkey(t, key))
	tassert(t, err == nil, "create: %v", err)
	h, err := e.Open(ctx, owner, id)
	tassert(t, err == nil, "open: %v", err)
	return h
}

// raw returns a copy of the stored ciphertext of vault id
func raw(t *testing.T, e *Engine, id int) []byte {
	t.Helper()
	r := e.records[id]
	err := r.lock(context.Background())
	tassert(t, err == nil, "%v", err)
	defer r.unlock()
	tassert(t, r.vault != nil, "vault %d not in use", id)
	return append([]byte(nil), r.vault.data...)
}

// hold locks vault id until the returned func is called
func hold(t *testing.T, e *Engine, id int) (release func()) {
	t.Helper()
	r := e.records[id]
	err := r.lock(context.Background())
	tassert(t, err == nil, "%v", err)
	var once sync.Once
	return func() { once.Do(r.unlock) }
}

func shortctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

// fakeReg is a Registrar that remembers what's registered
type fakeReg struct {
	mu    sync.Mutex
	live  map[int]bool
	calls []string
	fail  error
}

func newFakeReg() *fakeReg {
	return &fakeReg{live: make(map[int]bool)}
}

func (f *fakeReg) Register(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "register")
	if f.fail != nil {
		return f.fail
	}
	f.live[id] = true
	return nil
}

func (f *fakeReg) Unregister(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unregister")
	delete(f.live, id)
}

func (f *fakeReg) isLive(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}
