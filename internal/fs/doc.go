// Package fs abstracts the file system operations the storage layer
// performs, so tests can inject write, sync and close failures without
// touching a real disk.
package fs
