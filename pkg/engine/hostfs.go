package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// HostFS is the destination filesystem. Every mutating method is skipped by
// the reconcilers in dry-run; read methods are always called.
type HostFS interface {
	// Lstat observes path without following a final symlink. A missing
	// entry is reported as Exists=false with a nil error.
	Lstat(path string) (EntryState, error)
	// Stat is Lstat following symlinks.
	Stat(path string) (EntryState, error)
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic replaces path through a temp file and a rename.
	WriteFileAtomic(path string, data []byte, perm fs.FileMode) error
	// CopyFile copies src to a new dst, failing if dst exists.
	CopyFile(src, dst string, perm fs.FileMode) error
	Mkdir(path string, perm fs.FileMode) error
	Symlink(target, path string) error
	Chown(path string, uid, gid int) error
	Lchown(path string, uid, gid int) error
	Chmod(path string, perm fs.FileMode) error
	Chtimes(path string, atime, mtime time.Time) error
	// CreateExclusive creates an empty file with O_CREAT|O_EXCL.
	CreateExclusive(path string, perm fs.FileMode) error
	Remove(path string) error
}

// OSFS is the HostFS of the running kernel.
type OSFS struct{}

var _ HostFS = OSFS{}

// Lstat implements HostFS.
func (OSFS) Lstat(path string) (EntryState, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EntryState{}, nil
		}
		return EntryState{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	state := stateFromStat(&st)
	if state.IsSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return EntryState{}, err
		}
		state.LinkTarget = target
	}
	mnt, err := isMountpoint(path, &st)
	if err != nil {
		return EntryState{}, err
	}
	state.IsMountpoint = mnt
	return state, nil
}

// Stat implements HostFS.
func (OSFS) Stat(path string) (EntryState, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EntryState{}, nil
		}
		return EntryState{}, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return stateFromStat(&st), nil
}

func stateFromStat(st *unix.Stat_t) EntryState {
	format := st.Mode & unix.S_IFMT
	return EntryState{
		Exists:     true,
		IsSymlink:  format == unix.S_IFLNK,
		IsDir:      format == unix.S_IFDIR,
		UID:        int(st.Uid),
		GID:        int(st.Gid),
		Perm:       fs.FileMode(st.Mode & 0o777),
		ModTime:    time.Unix(st.Mtim.Unix()),
		AccessTime: time.Unix(st.Atim.Unix()),
	}
}

// isMountpoint reports whether path is the root of a mounted filesystem:
// its parent lives on another device, or the parent is the entry itself.
func isMountpoint(path string, st *unix.Stat_t) (bool, error) {
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return false, nil
	}
	parent := filepath.Dir(filepath.Clean(path))
	var pst unix.Stat_t
	if err := unix.Lstat(parent, &pst); err != nil {
		return false, &fs.PathError{Op: "lstat", Path: parent, Err: err}
	}
	return pst.Dev != st.Dev || pst.Ino == st.Ino, nil
}

// ReadFile implements HostFS.
func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFileAtomic implements HostFS.
func (OSFS) WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".converge-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// CopyFile implements HostFS.
func (OSFS) CopyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// Mkdir implements HostFS.
func (OSFS) Mkdir(path string, perm fs.FileMode) error {
	return os.Mkdir(path, perm)
}

// Symlink implements HostFS.
func (OSFS) Symlink(target, path string) error {
	return os.Symlink(target, path)
}

// Chown implements HostFS.
func (OSFS) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

// Lchown implements HostFS.
func (OSFS) Lchown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

// Chmod implements HostFS.
func (OSFS) Chmod(path string, perm fs.FileMode) error {
	return os.Chmod(path, perm)
}

// Chtimes implements HostFS.
func (OSFS) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(path, atime, mtime)
}

// CreateExclusive implements HostFS.
func (OSFS) CreateExclusive(path string, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	return f.Close()
}

// Remove implements HostFS.
func (OSFS) Remove(path string) error {
	return os.Remove(path)
}
