package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/secvault/vault"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/time/rate"
)

// SocketName is the name of the control socket inside the run dir.
const SocketName = "sv_ctl"

// Response answers one vault.Request.  Code is vault.OK on success.
type Response struct {
	Code vault.Code `msgpack:"code"`
	Msg  string     `msgpack:"msg"`
}

// Err turns res back into an error, nil on success.
func (res *Response) Err() error {
	if res.Code == vault.OK {
		return nil
	}
	return &RemoteError{Code: res.Code, Msg: res.Msg}
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Code vault.Code
	Msg  string
}

func (e *RemoteError) Error() string {
	if e.Msg == "" {
		return e.Code.Error()
	}
	return e.Msg
}

// Unwrap lets vault.CodeOf see the remote code.
func (e *RemoteError) Unwrap() error {
	return e.Code
}

func responseOf(err error) Response {
	if err == nil {
		return Response{Code: vault.OK}
	}
	code, ok := vault.CodeOf(err)
	if !ok {
		log.Errorf("unexpected error: %v", err)
		code = vault.ErrInvalidArgument
	}
	return Response{Code: code, Msg: err.Error()}
}

// Options tune a Server.  A zero Rate means unlimited.
type Options struct {
	LockTimeout time.Duration // 0 waits until the server shuts down
	Rate        rate.Limit    // requests per second per identity
	Burst       int
}

// Server serves vault control requests on a unix socket in Dir.
type Server struct {
	Dir    string
	Engine *vault.Engine
	opts   Options

	limiter  *multiLimiter
	listener net.Listener
	watcher  *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Open prepares a server for engine e in run dir dir, creating dir if
// needed.  Call Listen and then Serve.
func Open(e *vault.Engine, dir string, opts Options) (srv *Server, err error) {
	defer Return(&err)

	err = mkdir(dir, 0755)
	Ck(err)

	srv = &Server{
		Dir:    dir,
		Engine: e,
		opts:   opts,
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	if opts.Rate > 0 {
		srv.limiter = newMultiLimiter(opts.Rate, opts.Burst, 10*time.Minute)
	}

	srv.watcher, err = fsnotify.NewWatcher()
	Ck(err)
	err = srv.watcher.Add(dir)
	Ck(err)

	return srv, nil
}

// Path returns the control socket path.
func (srv *Server) Path() string {
	return filepath.Join(srv.Dir, SocketName)
}

// Listen creates the control socket, replacing a stale one.
func (srv *Server) Listen() (err error) {
	defer Return(&err)
	fn := srv.Path()
	st, err := os.Lstat(fn)
	if err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return errors.Errorf("%s exists and is not a socket", fn)
		}
		log.Warnf("removing stale socket %s", fn)
		err = os.Remove(fn)
		Ck(err)
	}
	srv.listener, err = net.Listen("unix", fn)
	Ck(err)
	// any local user may talk to us; ownership is checked per vault
	err = os.Chmod(fn, 0666)
	Ck(err)
	log.Infof("listening on %s", fn)
	return
}

// Serve accepts connections until Close is called or the socket is
// removed from the run dir.  It returns nil after a clean shutdown.
func (srv *Server) Serve() error {
	Assert(srv.listener != nil, "Serve called before Listen")
	go srv.watch()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.done:
				return nil
			default:
			}
			return errors.Wrap(err, "accept")
		}
		if !srv.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer srv.wg.Done()
			defer srv.untrack(conn)
			srv.handle(conn)
		}()
	}
}

// Done is closed once the server has begun shutting down.
func (srv *Server) Done() <-chan struct{} {
	return srv.done
}

// Close stops accepting, hangs up on every client, cancels requests
// still waiting for a vault, and waits for handlers to return.
func (srv *Server) Close() (err error) {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	close(srv.done)
	srv.cancel()
	if srv.listener != nil {
		err = srv.listener.Close()
	}
	for conn := range srv.conns {
		conn.Close()
	}
	srv.mu.Unlock()

	srv.watcher.Close()
	srv.wg.Wait()
	log.Infof("stopped serving %s", srv.Path())
	return
}

func (srv *Server) track(conn net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	srv.conns[conn] = struct{}{}
	srv.wg.Add(1)
	return true
}

func (srv *Server) untrack(conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.conns, conn)
}

// watch shuts the server down if someone removes our socket.
func (srv *Server) watch() {
	fn := srv.Path()
	for {
		select {
		case event, ok := <-srv.watcher.Events:
			if !ok {
				return
			}
			if event.Name != fn {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) > 0 {
				log.Warnf("%s went away, shutting down", fn)
				go srv.Close()
				return
			}
		case err, ok := <-srv.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watch %s: %v", srv.Dir, err)
		case <-srv.done:
			return
		}
	}
}

// handle a single connection from a client
func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()

	caller, err := peerIdentity(conn)
	if err != nil {
		log.Warnf("rejecting connection: %v", err)
		return
	}

	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)
	for {
		var req vault.Request
		err := dec.Decode(&req)
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Debugf("caller %d: decode: %v", caller, err)
			return
		}
		res := srv.do(caller, req)
		err = enc.Encode(&res)
		if err != nil {
			log.Debugf("caller %d: encode: %v", caller, err)
			return
		}
	}
}

// do runs one request on behalf of caller.
func (srv *Server) do(caller vault.Identity, req vault.Request) Response {
	ctx := srv.ctx
	if srv.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, srv.opts.LockTimeout)
		defer cancel()
	}
	err := srv.limiter.wait(ctx, caller)
	if err != nil {
		log.Debugf("caller %d: rate limited: %v", caller, err)
		return responseOf(errors.Wrapf(vault.ErrInterrupted, "%s vault %d", req.Op, req.Device))
	}
	log.Debugf("caller %d: %s vault %d", caller, req.Op, req.Device)
	return responseOf(srv.Engine.Control(ctx, caller, req))
}

func mkdir(dir string, mode os.FileMode) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, mode)
		if err != nil {
			return
		}
	}
	return
}
