package vfs

// FaultInjectionFS wraps an FS and can be configured to fail writes or
// syncs matching a glob pattern, for crash/fault-tolerance testing.
//
// Reference: RocksDB v10.7.5 db/fault_injection_test_env.h

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrInjectedFault is returned by write or sync operations while a
// matching fault is active.
var ErrInjectedFault = errors.New("vfs: injected fault")

// FaultInjectionFS wraps a base FS, selectively failing operations to
// exercise crash-recovery paths.
type FaultInjectionFS struct {
	base FS

	mu             sync.Mutex
	writeErrorGlob string
	syncError      bool
}

// NewFaultInjectionFS wraps base with fault injection controls. No
// faults are active until Inject* is called.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{base: base}
}

// InjectWriteError causes writes to files whose base name matches the
// glob pattern to fail with ErrInjectedFault.
func (fs *FaultInjectionFS) InjectWriteError(glob string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeErrorGlob = glob
}

// InjectSyncError causes all Sync calls to fail with ErrInjectedFault.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncError = true
}

// ClearErrors cancels all injected faults.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeErrorGlob = ""
	fs.syncError = false
}

func (fs *FaultInjectionFS) shouldFailWrite(name string) bool {
	fs.mu.Lock()
	glob := fs.writeErrorGlob
	fs.mu.Unlock()
	if glob == "" {
		return false
	}
	matched, _ := filepath.Match(glob, filepath.Base(name))
	return matched
}

func (fs *FaultInjectionFS) shouldFailSync() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.syncError
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultInjectionFile{base: f, fs: fs, name: name}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	return fs.base.OpenRandomAccess(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	return fs.base.Rename(oldname, newname)
}

func (fs *FaultInjectionFS) Remove(name string) error {
	return fs.base.Remove(name)
}

func (fs *FaultInjectionFS) RemoveAll(path string) error {
	return fs.base.RemoveAll(path)
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	return fs.base.Stat(name)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

func (fs *FaultInjectionFS) SyncDir(path string) error {
	return fs.base.SyncDir(path)
}

var _ FS = (*FaultInjectionFS)(nil)

// faultInjectionFile wraps a WritableFile, failing Write/Append/Sync per
// the parent FaultInjectionFS's configured faults.
type faultInjectionFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	name string
}

func (f *faultInjectionFile) Write(p []byte) (int, error) {
	if f.fs.shouldFailWrite(f.name) {
		return 0, ErrInjectedFault
	}
	return f.base.Write(p)
}

func (f *faultInjectionFile) Append(data []byte) error {
	if f.fs.shouldFailWrite(f.name) {
		return ErrInjectedFault
	}
	return f.base.Append(data)
}

func (f *faultInjectionFile) Close() error {
	return f.base.Close()
}

func (f *faultInjectionFile) Sync() error {
	if f.fs.shouldFailSync() {
		return ErrInjectedFault
	}
	return f.base.Sync()
}

func (f *faultInjectionFile) Truncate(size int64) error {
	return f.base.Truncate(size)
}

func (f *faultInjectionFile) Size() (int64, error) {
	return f.base.Size()
}

var _ WritableFile = (*faultInjectionFile)(nil)
