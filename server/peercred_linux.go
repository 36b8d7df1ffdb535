package server

import (
	"net"

	"github.com/pkg/errors"
	"github.com/t7a/secvault/vault"
	"golang.org/x/sys/unix"
)

// peerIdentity returns the uid of the process on the other end of conn.
func peerIdentity(conn net.Conn) (id vault.Identity, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, errors.Errorf("not a unix socket: %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "peer credentials")
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err == nil {
		err = credErr
	}
	if err != nil {
		return 0, errors.Wrap(err, "peer credentials")
	}
	return vault.Identity(cred.Uid), nil
}
