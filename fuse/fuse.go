package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/secvault/vault"
)

// EntryName is the name of vault id's data-plane file under the mount.
func EntryName(id int) string {
	return fmt.Sprintf("sv_data%d", id)
}

type DirNode struct {
	fs.Inode
}

func (r *DirNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for name, child := range r.Children() {
		entry := fuse.DirEntry{Mode: child.Mode(), Name: name}
		entries = append(entries, entry)
	}
	return fs.NewListDirStream(entries), 0
}

// root

// Root is the mount's top directory.  It holds one file per active vault
// and is the engine's Registrar, so files come and go with the vaults.
type Root struct {
	DirNode
	engine *vault.Engine
}

var _ = (fs.NodeGetattrer)((*Root)(nil))
var _ = (vault.Registrar)((*Root)(nil))

func (root *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	return 0
}

// Register adds the entry for vault id.  It is called by the engine with
// the vault locked, so it must stay away from the engine.
func (root *Root) Register(id int) (err error) {
	node := root.NewPersistentInode(
		context.Background(),
		&vaultNode{engine: root.engine, id: id},
		fs.StableAttr{Mode: fuse.S_IFREG},
	)
	// overwrite drops any entry a crashed create left behind
	root.AddChild(EntryName(id), node, true)
	log.Debugf("registered %s", EntryName(id))
	return
}

// Unregister removes the entry for vault id.  Files that are still open
// stay usable only as far as the engine allows, which is not at all.
func (root *Root) Unregister(id int) {
	root.RmChild(EntryName(id))
	log.Debugf("unregistered %s", EntryName(id))
}

// vault entry

type vaultNode struct {
	fs.Inode
	engine *vault.Engine
	id     int
}

var _ = (fs.NodeGetattrer)((*vaultNode)(nil))

func (n *vaultNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	info, err := n.engine.Stat(ctx, n.id)
	if err != nil {
		return errnoOf(err)
	}
	if !info.InUse {
		return syscall.ENOENT
	}
	out.Mode = 0600
	out.Size = uint64(info.Used)
	out.Uid = uint32(info.Owner)
	out.Mtime = uint64(time.Now().Unix())
	return 0
}

var _ = (fs.NodeSetattrer)((*vaultNode)(nil))

// Setattr accepts and ignores size changes so that shell redirections
// like `> sv_data0` work; a vault's capacity never changes.
func (n *vaultNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	return n.Getattr(ctx, fh, out)
}

var _ = (fs.NodeOpener)((*vaultNode)(nil))

func (n *vaultNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	caller, ok := callerOf(ctx)
	if !ok {
		return nil, 0, syscall.EACCES
	}
	h, err := n.engine.Open(ctx, caller, n.id)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	// The content changes under us and reads stop at the used space,
	// not at a page boundary, so bypass the page cache.
	return &vaultFile{h: h}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// vaultFile is one open sv_data file.  The kernel hands us explicit
// offsets, so the handle's own cursor is not used.
type vaultFile struct {
	h *vault.Handle
}

var _ = (fs.FileReader)((*vaultFile)(nil))

func (fh *vaultFile) Read(ctx context.Context, buf []byte, offset int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	caller, ok := callerOf(ctx)
	if !ok {
		return nil, syscall.EACCES
	}
	n, err := fh.h.ReadAt(ctx, caller, buf, offset)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(buf[:n]), 0
}

var _ = (fs.FileWriter)((*vaultFile)(nil))

func (fh *vaultFile) Write(ctx context.Context, data []byte, offset int64) (written uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	caller, ok := callerOf(ctx)
	if !ok {
		return 0, syscall.EACCES
	}
	n, err := fh.h.WriteAt(ctx, caller, data, offset)
	if err != nil {
		return 0, errnoOf(err)
	}
	if n == 0 && len(data) > 0 {
		return 0, syscall.ENOSPC
	}
	return uint32(n), 0
}

var _ = (fs.FileReleaser)((*vaultFile)(nil))

func (fh *vaultFile) Release(ctx context.Context) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	caller, ok := callerOf(ctx)
	if !ok {
		return syscall.EACCES
	}
	err := fh.h.Close(ctx, caller)
	if code, _ := vault.CodeOf(err); code == vault.ErrNotInUse {
		// closing a file whose vault is gone is fine
		return 0
	}
	return errnoOf(err)
}

// callerOf extracts the requesting uid from a FUSE request context.
func callerOf(ctx context.Context) (id vault.Identity, ok bool) {
	caller, ok := fuse.FromContext(ctx)
	if !ok || caller == nil {
		return 0, false
	}
	return vault.Identity(caller.Uid), true
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	code, ok := vault.CodeOf(err)
	if !ok {
		log.Errorf("unexpected error: %v", err)
		return syscall.EIO
	}
	return code.Errno()
}

// server

// Mount is a mounted secvault filesystem.
type Mount struct {
	*fuse.Server
	root *Root
}

// Serve mounts the engine's entry points at mnt and attaches the mount
// to the engine as its Registrar.  options are passed to the kernel as
// -o options.
func Serve(e *vault.Engine, mnt string, options ...string) (m *Mount, err error) {
	defer Return(&err)

	root := &Root{engine: e}
	opts := &fs.Options{}
	opts.Debug = os.Getenv("DEBUG") == "1"
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	// entries appear and disappear behind the kernel's back, so don't
	// let it cache anything
	var zero time.Duration
	opts.EntryTimeout = &zero
	opts.AttrTimeout = &zero
	opts.NegativeTimeout = &zero
	opts.MountOptions.FsName = "secvault"
	opts.MountOptions.Name = "secvault"
	opts.MountOptions.Options = options

	server, err := fs.Mount(mnt, root, opts)
	Ck(err)
	e.Attach(root)
	log.Infof("mounted vault entry points at %s", mnt)

	m = &Mount{Server: server, root: root}
	return
}

// Close detaches the mount from the engine and unmounts it.
func (m *Mount) Close() (err error) {
	m.root.engine.Attach(nil)
	return m.Server.Unmount()
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
