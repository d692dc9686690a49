// Package util collects small generic helpers shared across the agent, the same role
// the teacher's go/util package plays for machine/go/test_machine_monitor.
package util

import (
	"io"
	"os"
	"path/filepath"
)

// AtMost returns the first n elements of s, or s itself if it has n or fewer elements.
func AtMost(s []string, n int) []string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// In reports whether v is present in s.
func In(v string, s []string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// WithWriteFile writes to path atomically: it writes to a temp file in the same
// directory, then renames it over path, so a reader never observes a partially
// written file. write is called with the temp file's io.Writer.
func WithWriteFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
