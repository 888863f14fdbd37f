// Package vfs re-exports the internal virtual filesystem abstraction so
// that Options and other public types can reference a filesystem type
// without importing an internal package directly.
package vfs

import "github.com/arkestra/lsmkv/internal/vfs"

// FS is the filesystem abstraction used by Options.FS and friends.
type FS = vfs.FS

// WritableFile is a file open for writing.
type WritableFile = vfs.WritableFile

// SequentialFile is a file open for sequential reads.
type SequentialFile = vfs.SequentialFile

// RandomAccessFile is a file open for random-access reads.
type RandomAccessFile = vfs.RandomAccessFile

// FaultInjectionFS wraps an FS to selectively fail writes or syncs, for
// crash-recovery testing.
type FaultInjectionFS = vfs.FaultInjectionFS

// ErrInjectedFault is returned by a write or sync while a matching fault
// is active on a FaultInjectionFS.
var ErrInjectedFault = vfs.ErrInjectedFault

// Default returns the real OS filesystem.
func Default() FS {
	return vfs.Default()
}

// NewFaultInjectionFS wraps base with fault injection controls.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return vfs.NewFaultInjectionFS(base)
}
