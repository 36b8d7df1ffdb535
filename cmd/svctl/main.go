package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/moby/term"
	"github.com/morikuni/aec"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/secvault"
	"github.com/t7a/secvault/server"
	"github.com/t7a/secvault/vault"
)

const progname = "svctl"

// DefaultSocket is used when SVCTL_SOCKET is not set.
const DefaultSocket = "/run/secvault/" + server.SocketName

const usage = `svctl

Usage:
  svctl -c <size> <vault>
  svctl -k <vault>
  svctl -e <vault>
  svctl -d <vault>

Options:
  -h --help     Show this screen.
  -c            Create a vault of <size> bytes; the key is read from stdin.
  -k            Change the key of a vault; the key is read from stdin.
  -e            Erase the contents of a vault.
  -d            Delete a vault.

Environment:
  SVCTL_SOCKET  Control socket of the vault daemon [default: ` + DefaultSocket + `].
`

type Opts struct {
	Create    bool   `docopt:"-c"`
	ChangeKey bool   `docopt:"-k"`
	Erase     bool   `docopt:"-e"`
	Delete    bool   `docopt:"-d"`
	Size      string `docopt:"<size>"`
	Vault     string `docopt:"<vault>"`
}

func init() {
	secvault.SetupLogging()
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.0")
	if err != nil {
		// usage already printed
		return 1
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		return fail(err)
	}
	log.Debug(opts)

	req, err := request(opts)
	if err != nil {
		return fail(err)
	}
	if req == nil {
		// -h
		return 0
	}

	if req.Op == vault.OpCreate || req.Op == vault.OpChangeKey {
		req.Key, err = readKey(os.Stdin)
		if err != nil {
			return fail(err)
		}
	}

	fn, ok := os.LookupEnv("SVCTL_SOCKET")
	if !ok || fn == "" {
		fn = DefaultSocket
	}
	c, err := server.Dial(fn)
	if err != nil {
		return fail(err)
	}
	defer c.Close()
	err = c.Do(*req)
	if err != nil {
		return fail(err)
	}
	return 0
}

// request builds the control request described by opts.
func request(opts Opts) (req *vault.Request, err error) {
	switch true {
	case opts.Create:
		req = &vault.Request{Op: vault.OpCreate}
		req.Size, err = strconv.ParseUint(opts.Size, 10, 64)
		if err != nil || req.Size < 1 {
			return nil, errors.Errorf("size must be a positive number: %q", opts.Size)
		}
	case opts.ChangeKey:
		req = &vault.Request{Op: vault.OpChangeKey}
	case opts.Erase:
		req = &vault.Request{Op: vault.OpErase}
	case opts.Delete:
		req = &vault.Request{Op: vault.OpDelete}
	default:
		return nil, nil
	}
	id, err := strconv.ParseUint(opts.Vault, 10, 32)
	if err != nil {
		return nil, errors.Errorf("vault must be a vault number: %q", opts.Vault)
	}
	req.Device = uint32(id)
	return
}

// readKey reads one line from in.  The prompt is only shown, and echo
// only turned off, when in is a terminal.
func readKey(in *os.File) (key []byte, err error) {
	fd, isTerm := term.GetFdInfo(in)
	if isTerm {
		fmt.Fprint(os.Stdout, "Encryption key: ")
		state, err := term.SaveState(fd)
		if err == nil {
			err = term.DisableEcho(fd, state)
		}
		if err != nil {
			log.Debugf("cannot disable echo: %v", err)
		} else {
			defer func() {
				term.RestoreTerminal(fd, state)
				fmt.Fprintln(os.Stdout)
			}()
		}
	}
	return parseKey(in)
}

func parseKey(rd io.Reader) (key []byte, err error) {
	line, err := bufio.NewReader(rd).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, errors.New("could not read input")
	}
	line = strings.TrimSuffix(line, "\n")
	if len(line) > vault.KeySize {
		return nil, errors.New("key must be at most ten characters long")
	}
	return []byte(line), nil
}

// fail reports err on stderr and returns the exit code.
func fail(err error) int {
	prefix := "ERROR:"
	if _, isTerm := term.GetFdInfo(os.Stderr); isTerm {
		prefix = aec.RedF.Apply(prefix)
	}
	fmt.Fprintf(os.Stderr, "[%s] %s %v\n", progname, prefix, err)
	return 1
}
