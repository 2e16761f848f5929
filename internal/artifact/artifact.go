// Package artifact resolves and opens persisted model artifacts.
//
// Artifacts are read once at startup; every open goes through With so the
// file handle is released on all exit paths.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// NotFoundError reports an artifact path that does not resolve to an
// existing, readable regular file.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact not found: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("artifact not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// Stat checks that path names a readable regular file and returns its info.
func Stat(path string) (fs.FileInfo, error) {
	if path == "" {
		return nil, &NotFoundError{Path: path, Err: errors.New("empty path")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &NotFoundError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &NotFoundError{Path: path, Err: errors.New("not a regular file")}
	}
	return info, nil
}

// With opens path, hands the reader to fn and closes the file afterwards.
// Open failures are reported as *NotFoundError; errors from fn are returned
// unchanged.
func With(path string, fn func(r io.Reader) error) error {
	if _, err := Stat(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return &NotFoundError{Path: path, Err: err}
	}
	defer f.Close()

	return fn(f)
}

// Age returns how long ago the artifact at path was last modified.
func Age(path string) (time.Duration, error) {
	info, err := Stat(path)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}
