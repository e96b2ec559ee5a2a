package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error produced by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault defines the failure behavior for files matching a rule.
type Fault struct {
	// FailAfterBytes fails writes once the file has accepted this many
	// bytes. Negative disables the limit.
	FailAfterBytes int64
	FailOnSync     bool
	FailOnClose    bool
	// Err overrides ErrInjected when set.
	Err error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS wraps a FileSystem and injects errors into files whose names
// contain a registered pattern.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS creates a FaultyFS wrapping fs (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
	}
}

// AddRule arms a fault for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearRule disarms a previously added fault.
func (f *FaultyFS) ClearRule(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, pattern)
}

// lookup resolves the fault currently armed for name. Rules are checked
// per operation, so a fault armed after a file was opened still fires on
// its next write or sync.
func (f *FaultyFS) lookup(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fault := Fault{FailAfterBytes: -1}
	armed := false
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
			armed = true
		}
	}
	return fault, armed
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error             { return f.FS.Remove(name) }
func (f *FaultyFS) Rename(oldpath, newpath string) error { return f.FS.Rename(oldpath, newpath) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	name    string
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if fault, armed := ff.fs.lookup(ff.name); armed {
		if fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > fault.FailAfterBytes {
			return 0, fault.err()
		}
	}
	n, err := ff.File.Write(p)
	if n > 0 {
		ff.written += int64(n)
	}
	return n, err
}

func (ff *faultyFile) Sync() error {
	if fault, armed := ff.fs.lookup(ff.name); armed && fault.FailOnSync {
		return fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if fault, armed := ff.fs.lookup(ff.name); armed && fault.FailOnClose {
		ff.File.Close()
		return fault.err()
	}
	return ff.File.Close()
}

var (
	_ FileSystem = LocalFS{}
	_ FileSystem = (*FaultyFS)(nil)
)
