package vault

import (
	"syscall"

	"github.com/pkg/errors"
)

// Code is the result of a vault operation.  Every non-OK Code is an
// error; engine methods return them wrapped with the operation and vault
// id, so use CodeOf or errors.Is to test for a particular one.
type Code int

const (
	OK Code = iota
	ErrInvalidVaultID
	ErrAlreadyInUse
	ErrNotInUse
	ErrInvalidSize
	ErrInvalidArgument
	ErrPermissionDenied
	ErrAllocationFailed
	ErrUnsupportedOperation
	ErrInterrupted
)

var codeText = map[Code]string{
	OK:                      "ok",
	ErrInvalidVaultID:       "no such vault",
	ErrAlreadyInUse:         "vault already in use",
	ErrNotInUse:             "vault not in use",
	ErrInvalidSize:          "invalid vault size",
	ErrInvalidArgument:      "invalid argument",
	ErrPermissionDenied:     "permission denied",
	ErrAllocationFailed:     "allocation failed",
	ErrUnsupportedOperation: "unsupported operation",
	ErrInterrupted:          "interrupted",
}

var codeErrno = map[Code]syscall.Errno{
	OK:                      0,
	ErrInvalidVaultID:       syscall.ENODEV,
	ErrAlreadyInUse:         syscall.EBUSY,
	ErrNotInUse:             syscall.ENXIO,
	ErrInvalidSize:          syscall.EINVAL,
	ErrInvalidArgument:      syscall.EINVAL,
	ErrPermissionDenied:     syscall.EACCES,
	ErrAllocationFailed:     syscall.ENOMEM,
	ErrUnsupportedOperation: syscall.ENOTTY,
	ErrInterrupted:          syscall.EINTR,
}

func (c Code) Error() string {
	txt, ok := codeText[c]
	if !ok {
		return "unknown vault error"
	}
	return txt
}

// Errno maps c to the errno a filesystem caller should see.
func (c Code) Errno() syscall.Errno {
	errno, ok := codeErrno[c]
	if !ok {
		return syscall.EIO
	}
	return errno
}

// CodeOf extracts the Code from err.  ok is false if err is non-nil but
// did not come from the engine.
func CodeOf(err error) (code Code, ok bool) {
	if err == nil {
		return OK, true
	}
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

func wrap(code Code, op string, id int) error {
	return errors.Wrapf(code, "%s vault %d", op, id)
}
