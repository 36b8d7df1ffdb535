//go:build !linux

package server

import (
	"net"

	"github.com/pkg/errors"
	"github.com/t7a/secvault/vault"
)

func peerIdentity(conn net.Conn) (id vault.Identity, err error) {
	return 0, errors.New("peer credentials are only supported on linux")
}
