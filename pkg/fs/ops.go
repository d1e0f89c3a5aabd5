package fs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/meta"
	"github.com/abbycin/junkfs/pkg/store"
)

// The kernel may cache entries and attributes this long; the engine is
// the only mutator, so staleness is bounded by its own writes.
const cacheTTL = 5 * time.Second

// errno maps engine errors onto the errnos the kernel expects.
// Unclassified errors surface as EIO.
func errno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, meta.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, meta.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, meta.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, meta.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, meta.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, meta.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, meta.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, meta.ErrNotPermit):
		return syscall.EPERM
	default:
		logger.Error("operation failed", "error", err)
		return syscall.EIO
	}
}

func kindFileMode(k meta.Kind) os.FileMode {
	switch k {
	case meta.KindDir:
		return os.ModeDir
	case meta.KindSymlink:
		return os.ModeSymlink
	default:
		return 0
	}
}

func posixMode(m os.FileMode) uint16 {
	mode := uint16(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

func fileMode(kind meta.Kind, mode uint16) os.FileMode {
	m := kindFileMode(kind) | os.FileMode(mode&0o777)
	if mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func attrsFor(inode *meta.Inode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  inode.Length,
		Nlink: inode.Links,
		Mode:  fileMode(inode.Kind, inode.Mode),
		Atime: time.Unix(int64(inode.Atime), 0),
		Mtime: time.Unix(int64(inode.Mtime), 0),
		Ctime: time.Unix(int64(inode.Ctime), 0),
		Uid:   inode.Uid,
		Gid:   inode.Gid,
	}
}

func (f *Filesystem) entryFor(inode *meta.Inode) fuseops.ChildInodeEntry {
	now := time.Now()
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(inode.ID),
		Generation:           1,
		Attributes:           attrsFor(inode),
		AttributesExpiration: now.Add(cacheTTL),
		EntryExpiration:      now.Add(cacheTTL),
	}
}

func direntType(k meta.Kind) fuseutil.DirentType {
	switch k {
	case meta.KindDir:
		return fuseutil.DT_Directory
	case meta.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

// ============================================================================
// fuseutil.FileSystem
// ============================================================================

// StatFS reports host-filesystem space and imap usage.
func (f *Filesystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	sb := f.meta.SuperBlock()
	var st unix.Statfs_t
	if err := unix.Statfs(sb.URI, &st); err == nil {
		op.BlockSize = uint32(st.Bsize)
		op.Blocks = st.Blocks
		op.BlocksFree = st.Bfree
		op.BlocksAvailable = st.Bavail
	} else {
		op.BlockSize = 4096
	}
	op.IoSize = store.BlockSize
	op.Inodes = sb.TotalInodes
	op.InodesFree = sb.TotalInodes - f.meta.UsedInodes()
	return nil
}

// LookUpInode resolves a name and takes one kernel lookup reference.
func (f *Filesystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	inode, err := f.meta.Lookup(meta.Ino(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	return nil
}

func (f *Filesystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	inode, err := f.meta.LoadInode(meta.Ino(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrsFor(inode)
	op.AttributesExpiration = time.Now().Add(cacheTTL)
	return nil
}

func (f *Filesystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	ino := meta.Ino(op.Inode)
	inode, err := f.meta.LoadInode(ino)
	if err != nil {
		return errno(err)
	}
	now := uint64(time.Now().Unix())

	if op.Size != nil {
		size := *op.Size
		if size < inode.Length {
			// Buffered writes past the new end must not land later
			// and resurrect the discarded tail.
			f.flushOpenFileHandles(ino)
		}
		if err := f.files.Truncate(ino, size); err != nil {
			return errno(err)
		}
		if size != inode.Length {
			inode.Mtime = now
			inode.Ctime = now
		}
		inode.Length = size
	}
	if op.Mode != nil {
		inode.Mode = posixMode(*op.Mode)
		inode.Ctime = now
	}
	if op.Uid != nil {
		inode.Uid = *op.Uid
		inode.Ctime = now
	}
	if op.Gid != nil {
		inode.Gid = *op.Gid
		inode.Ctime = now
	}
	if op.Atime != nil {
		inode.Atime = uint64(op.Atime.Unix())
	}
	if op.Mtime != nil {
		inode.Mtime = uint64(op.Mtime.Unix())
	}

	f.meta.StoreInode(inode)
	op.Attributes = attrsFor(inode)
	op.AttributesExpiration = time.Now().Add(cacheTTL)
	return nil
}

func (f *Filesystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	f.Forget(meta.Ino(op.Inode), op.N)
	return nil
}

func (f *Filesystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		f.Forget(meta.Ino(e.Inode), e.N)
	}
	return nil
}

func (f *Filesystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	inode, err := f.meta.Mknod(meta.Ino(op.Parent), op.Name, meta.KindDir,
		posixMode(op.Mode), op.Uid, op.Gid, "")
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	return nil
}

func (f *Filesystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if op.Mode&os.ModeType != 0 {
		return syscall.ENOSYS
	}
	inode, err := f.meta.Mknod(meta.Ino(op.Parent), op.Name, meta.KindFile,
		posixMode(op.Mode), op.Uid, op.Gid, "")
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	return nil
}

// CreateFile is mknod and open in one atomic pending batch.
func (f *Filesystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	inode, err := f.meta.Mknod(meta.Ino(op.Parent), op.Name, meta.KindFile,
		posixMode(op.Mode), op.Uid, op.Gid, "")
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	op.Handle = fuseops.HandleID(f.openFileHandle(inode.ID))
	return nil
}

func (f *Filesystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	inode, err := f.meta.Mknod(meta.Ino(op.Parent), op.Name, meta.KindSymlink,
		0o777, op.Uid, op.Gid, op.Target)
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	return nil
}

func (f *Filesystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	inode, err := f.meta.Link(meta.Ino(op.Target), meta.Ino(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	f.IncLookup(inode.ID)
	op.Entry = f.entryFor(inode)
	return nil
}

func (f *Filesystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	err := f.renameEntry(meta.Ino(op.OldParent), op.OldName,
		meta.Ino(op.NewParent), op.NewName)
	return errno(err)
}

func (f *Filesystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	inode, err := f.meta.Lookup(meta.Ino(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	if inode.Kind != meta.KindDir {
		return syscall.ENOTDIR
	}
	if _, err := f.meta.Unlink(meta.Ino(op.Parent), op.Name); err != nil {
		return errno(err)
	}
	return nil
}

func (f *Filesystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	inode, err := f.meta.Lookup(meta.Ino(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	if inode.Kind == meta.KindDir {
		return syscall.EISDIR
	}
	return errno(f.unlinkInode(meta.Ino(op.Parent), op.Name, inode))
}

func (f *Filesystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	inode, err := f.meta.LoadInode(meta.Ino(op.Inode))
	if err != nil {
		return errno(err)
	}
	if inode.Kind != meta.KindDir {
		return syscall.ENOTDIR
	}
	fh, err := f.openDirHandle(inode.ID)
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (f *Filesystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dh, ok := f.DirHandleByID(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}
	pos := int(op.Offset)
	for {
		entry, ok := dh.At(pos)
		if !ok {
			break
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(pos + 1),
			Inode:  fuseops.InodeID(entry.Ino),
			Name:   entry.Name,
			Type:   direntType(entry.Kind),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
		pos++
	}
	return nil
}

func (f *Filesystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	f.ReleaseDir(uint64(op.Handle))
	return nil
}

func (f *Filesystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	inode, err := f.meta.LoadInode(meta.Ino(op.Inode))
	if err != nil {
		return errno(err)
	}
	if inode.Kind == meta.KindDir {
		return syscall.EISDIR
	}
	op.Handle = fuseops.HandleID(f.openFileHandle(inode.ID))
	op.KeepPageCache = !f.cfg.DisableWritebackCache
	return nil
}

func (f *Filesystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h, ok := f.FileHandleByID(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}
	data, err := f.Read(h, uint64(op.Offset), len(op.Dst))
	if err != nil {
		return errno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (f *Filesystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	h, ok := f.FileHandleByID(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}
	n, err := f.Write(h, uint64(op.Offset), op.Data)
	if err != nil {
		return errno(err)
	}
	if n != len(op.Data) {
		return syscall.EIO
	}
	return nil
}

func (f *Filesystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	h, ok := f.FileHandleByID(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}
	return errno(h.Flush(false))
}

// SyncFile handles both fsync and fsyncdir; the kernel routes the
// latter here with a directory handle.
func (f *Filesystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	if f.IsDirHandle(uint64(op.Handle)) {
		return errno(f.meta.Sync())
	}
	h, _ := f.FileHandleByID(uint64(op.Handle))
	return errno(f.syncFile(meta.Ino(op.Inode), h))
}

func (f *Filesystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	f.ReleaseFile(uint64(op.Handle))
	return nil
}

func (f *Filesystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	inode, err := f.meta.LoadInode(meta.Ino(op.Inode))
	if err != nil {
		return errno(err)
	}
	if inode.Kind != meta.KindSymlink {
		return syscall.EINVAL
	}
	op.Target = inode.Target
	return nil
}

// Destroy runs at unmount: drain, commit, close.
func (f *Filesystem) Destroy() {
	f.Shutdown()
}

var _ fuseutil.FileSystem = (*Filesystem)(nil)
