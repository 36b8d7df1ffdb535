package server

import (
	"net"

	"github.com/pkg/errors"
	"github.com/t7a/secvault/vault"
	"github.com/vmihailenco/msgpack"
)

// Client talks to a Server over its control socket.
type Client struct {
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

// Dial connects to the control socket at fn.
func Dial(fn string) (c *Client, err error) {
	conn, err := net.Dial("unix", fn)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to vault daemon")
	}
	c = &Client{
		conn: conn,
		enc:  msgpack.NewEncoder(conn),
		dec:  msgpack.NewDecoder(conn),
	}
	return
}

// Do sends req and waits for the answer.  A failure reported by the
// daemon comes back as a *RemoteError; use vault.CodeOf to inspect it.
func (c *Client) Do(req vault.Request) (err error) {
	err = c.enc.Encode(&req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	var res Response
	err = c.dec.Decode(&res)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	return res.Err()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
