package server

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/t7a/secvault/vault"
	"github.com/vmihailenco/msgpack"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func tcode(t *testing.T, err error, code vault.Code) {
	t.Helper()
	got, ok := vault.CodeOf(err)
	if !ok || got != code {
		t.Fatalf("expected %v, got %v (%v)", code, got, err)
	}
}

func setup(t *testing.T, opts Options) (srv *Server, e *vault.Engine) {
	e = vault.New(vault.Config{})
	t.Cleanup(e.Close)
	srv, err := Open(e, filepath.Join(t.TempDir(), "run"), opts)
	tassert(t, err == nil, "%v", err)
	err = srv.Listen()
	tassert(t, err == nil, "%v", err)
	go func() {
		err := srv.Serve()
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })
	return
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(srv.Path())
	tassert(t, err == nil, "%v", err)
	t.Cleanup(func() { c.Close() })
	return c
}

func me() vault.Identity {
	return vault.Identity(os.Getuid())
}

func TestCreateOverSocket(t *testing.T) {
	srv, e := setup(t, Options{})
	c := dial(t, srv)

	err := c.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 16, Key: []byte("abc")})
	tassert(t, err == nil, "%v", err)

	info, err := e.Stat(srv.ctx, 0)
	tassert(t, err == nil, "%v", err)
	tassert(t, info.InUse, "vault 0 not in use")
	tassert(t, info.Owner == me(), "owner %d, expected %d", info.Owner, me())
	tassert(t, info.Size == 16, "size %d", info.Size)
}

func TestManyRequests(t *testing.T) {
	srv, _ := setup(t, Options{})
	c := dial(t, srv)

	reqs := []vault.Request{
		{Op: vault.OpCreate, Device: 1, Size: 8, Key: []byte("k")},
		{Op: vault.OpChangeKey, Device: 1, Key: []byte("other")},
		{Op: vault.OpErase, Device: 1},
		{Op: vault.OpDelete, Device: 1},
		{Op: vault.OpCreate, Device: 1, Size: 8, Key: []byte("k")},
	}
	for i, req := range reqs {
		err := c.Do(req)
		tassert(t, err == nil, "request %d (%v): %v", i, req.Op, err)
	}
}

func TestRemoteErrors(t *testing.T) {
	srv, _ := setup(t, Options{})
	c := dial(t, srv)

	err := c.Do(vault.Request{Op: vault.OpDelete, Device: 0})
	tcode(t, err, vault.ErrNotInUse)
	tassert(t, errors.Is(err, vault.ErrNotInUse), "errors.Is: %v", err)
	tassert(t, err.Error() == "delete vault 0: vault not in use", "%q", err.Error())
	var remote *RemoteError
	tassert(t, errors.As(err, &remote), "%T", err)

	err = c.Do(vault.Request{Op: vault.OpCreate, Device: 9, Size: 8})
	tcode(t, err, vault.ErrInvalidVaultID)

	err = c.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 0})
	tcode(t, err, vault.ErrInvalidSize)

	err = c.Do(vault.Request{Op: vault.Opcode(2), Device: 0})
	tcode(t, err, vault.ErrUnsupportedOperation)

	err = c.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 8, Key: []byte("much too long")})
	tcode(t, err, vault.ErrInvalidArgument)

	// the connection survives failed requests
	err = c.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 8})
	tassert(t, err == nil, "%v", err)
	err = c.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 8})
	tcode(t, err, vault.ErrAlreadyInUse)
}

func TestRawWire(t *testing.T) {
	srv, _ := setup(t, Options{})
	c := dial(t, srv)

	// a client that speaks msgpack with its own field names
	req := map[string]interface{}{"op": 0, "device": 2, "size": 4, "key": []byte("k")}
	err := msgpack.NewEncoder(c.conn).Encode(req)
	tassert(t, err == nil, "%v", err)
	var res map[string]interface{}
	err = msgpack.NewDecoder(c.conn).Decode(&res)
	tassert(t, err == nil, "%v", err)
	code, ok := res["code"]
	tassert(t, ok, "%#v", res)
	tassert(t, code == int8(0) || code == uint8(0) || code == int64(0), "code %#v", code)
}

// gate is a Registrar that blocks inside Register, which the engine
// calls with the vault locked.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Register(id int) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func (g *gate) Unregister(id int) {}

func TestLockTimeout(t *testing.T) {
	srv, e := setup(t, Options{LockTimeout: 50 * time.Millisecond})
	g := newGate()
	e.Attach(g)

	first := dial(t, srv)
	errc := make(chan error, 1)
	go func() {
		errc <- first.Do(vault.Request{Op: vault.OpCreate, Device: 0, Size: 8})
	}()
	<-g.entered

	second := dial(t, srv)
	err := second.Do(vault.Request{Op: vault.OpErase, Device: 0})
	tcode(t, err, vault.ErrInterrupted)

	// other vaults are not affected
	err = second.Do(vault.Request{Op: vault.OpDelete, Device: 1})
	tcode(t, err, vault.ErrNotInUse)

	close(g.release)
	err = <-errc
	tassert(t, err == nil, "%v", err)
	e.Attach(nil)
}

func TestRateLimit(t *testing.T) {
	srv, _ := setup(t, Options{Rate: 1, Burst: 1, LockTimeout: 50 * time.Millisecond})
	c := dial(t, srv)

	err := c.Do(vault.Request{Op: vault.OpDelete, Device: 0})
	tcode(t, err, vault.ErrNotInUse)
	err = c.Do(vault.Request{Op: vault.OpDelete, Device: 0})
	tcode(t, err, vault.ErrInterrupted)
}

func TestSocketRemoved(t *testing.T) {
	srv, _ := setup(t, Options{})
	err := os.Remove(srv.Path())
	tassert(t, err == nil, "%v", err)
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server still running after socket removal")
	}
}

func TestCloseHangsUp(t *testing.T) {
	srv, _ := setup(t, Options{})
	c := dial(t, srv)
	err := c.Do(vault.Request{Op: vault.OpDelete, Device: 0})
	tcode(t, err, vault.ErrNotInUse)

	err = srv.Close()
	tassert(t, err == nil, "%v", err)
	err = c.Do(vault.Request{Op: vault.OpDelete, Device: 0})
	_, ok := vault.CodeOf(err)
	tassert(t, err != nil && !ok, "expected transport error, got %v", err)

	_, err = Dial(srv.Path())
	tassert(t, err != nil, "dial after close succeeded")
}

func TestStaleSocket(t *testing.T) {
	e := vault.New(vault.Config{})
	dir := t.TempDir()
	srv, err := Open(e, dir, Options{})
	tassert(t, err == nil, "%v", err)
	defer srv.Close()

	// a regular file in the way is not ours to remove
	err = ioutil.WriteFile(srv.Path(), []byte("x"), 0644)
	tassert(t, err == nil, "%v", err)
	err = srv.Listen()
	tassert(t, err != nil, "listen over a regular file succeeded")
}

func TestResponseErr(t *testing.T) {
	res := Response{Code: vault.OK}
	tassert(t, res.Err() == nil, "%v", res.Err())
	res = Response{Code: vault.ErrPermissionDenied}
	err := res.Err()
	tassert(t, err.Error() == "permission denied", "%q", err.Error())
	tcode(t, err, vault.ErrPermissionDenied)
}
