package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/renameio"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/secvault"
	"github.com/t7a/secvault/fuse"
	"github.com/t7a/secvault/server"
	"github.com/t7a/secvault/vault"
	"golang.org/x/time/rate"
)

const usage = `svd

Usage:
  svd serve [--mount=<dir>] [<rundir>]

Options:
  -h --help      Show this screen.
  --version      Show version.
  --mount=<dir>  Expose one sv_data<N> file per vault under <dir>.

Environment:
  SVD_RUNDIR         Run dir when <rundir> is not given [default: /run/secvault].
  SVD_MOUNT          Mount point when --mount is not given.
  SVD_MOUNT_OPTIONS  Extra FUSE mount options, shell quoted.
  SVD_VAULTS         Number of vaults [default: 4].
  SVD_MAX_SIZE       Largest vault in bytes [default: 1048576].
  SVD_MEMORY_LIMIT   Bytes of vault memory, 0 for no limit.
  SVD_RATE           Control requests per second per user, 0 for no limit.
  SVD_BURST          Control request burst per user.
  SVD_LOCK_TIMEOUT   How long a control request waits for a busy vault.
  DEBUG              Set to 1 for debug logging.
`

// DefaultRunDir holds the control socket and pid file.
const DefaultRunDir = "/run/secvault"

const pidName = "svd.pid"

type Opts struct {
	Serve  bool
	Mount  string `docopt:"--mount"`
	Rundir string `docopt:"<rundir>"`
}

type config struct {
	rundir       string
	mount        string
	mountOptions []string
	engine       vault.Config
	server       server.Options
}

func init() {
	secvault.SetupLogging()
}

func main() {
	rc, msg := Run()
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(rc)
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	Ck(err)

	cfg, err := loadConfig(opts)
	Ck(err)

	if opts.Serve {
		err := serve(cfg)
		Ck(err)
	}

	return
}

// loadConfig merges command line options with the environment.
func loadConfig(opts Opts) (cfg config, err error) {
	defer Return(&err)

	cfg.rundir = opts.Rundir
	if cfg.rundir == "" {
		cfg.rundir = os.Getenv("SVD_RUNDIR")
	}
	if cfg.rundir == "" {
		cfg.rundir = DefaultRunDir
	}
	cfg.rundir, err = filepath.Abs(cfg.rundir)
	Ck(err)

	cfg.mount = opts.Mount
	if cfg.mount == "" {
		cfg.mount = os.Getenv("SVD_MOUNT")
	}
	cfg.mountOptions, err = shlex.Split(os.Getenv("SVD_MOUNT_OPTIONS"))
	Ck(err)

	cfg.engine.Vaults, err = envInt("SVD_VAULTS", vault.DefaultVaults)
	Ck(err)
	maxSize, err := envInt("SVD_MAX_SIZE", vault.DefaultMaxSize)
	Ck(err)
	cfg.engine.MaxSize = int64(maxSize)
	limit, err := envInt("SVD_MEMORY_LIMIT", 0)
	Ck(err)
	cfg.engine.MemoryLimit = int64(limit)

	perSecond, err := envFloat("SVD_RATE", 0)
	Ck(err)
	cfg.server.Rate = rate.Limit(perSecond)
	cfg.server.Burst, err = envInt("SVD_BURST", 1)
	Ck(err)
	timeout := os.Getenv("SVD_LOCK_TIMEOUT")
	if timeout != "" {
		cfg.server.LockTimeout, err = time.ParseDuration(timeout)
		Ck(err)
	}
	return
}

func envInt(name string, def int) (n int, err error) {
	txt := os.Getenv(name)
	if txt == "" {
		return def, nil
	}
	n, err = strconv.Atoi(txt)
	if err != nil || n < 0 {
		return 0, errors.Errorf("%s: not a count: %q", name, txt)
	}
	return
}

func envFloat(name string, def float64) (f float64, err error) {
	txt := os.Getenv(name)
	if txt == "" {
		return def, nil
	}
	f, err = strconv.ParseFloat(txt, 64)
	if err != nil || f < 0 {
		return 0, errors.Errorf("%s: not a rate: %q", name, txt)
	}
	return
}

// serve runs the daemon until SIGINT, SIGTERM, or removal of the
// control socket.  Every vault is wiped on the way out.
func serve(cfg config) (err error) {
	defer Return(&err)

	e := vault.New(cfg.engine)
	// teardown
	defer e.Close()

	srv, err := server.Open(e, cfg.rundir, cfg.server)
	Ck(err)
	defer srv.Close()

	pidfile := filepath.Join(cfg.rundir, pidName)
	err = renameio.WriteFile(pidfile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	Ck(err)
	defer os.Remove(pidfile)

	err = srv.Listen()
	Ck(err)

	if cfg.mount != "" {
		mnt, err := fuse.Serve(e, cfg.mount, cfg.mountOptions...)
		Ck(err)
		// unmount before the engine tears down
		defer umount(mnt)
	}

	// stop on SIGINT or SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case s := <-sig:
			log.Infof("got %v, shutting down", s)
			srv.Close()
		case <-srv.Done():
		}
	}()

	log.Infof("serving %d vaults of up to %d bytes from %s", e.Vaults(), e.Config().MaxSize, cfg.rundir)
	err = srv.Serve()
	Ck(err)
	return
}

func umount(mnt *fuse.Mount) {
	err := mnt.Close()
	if err != nil {
		log.Errorf("unmount: %v", err)
	}
}
