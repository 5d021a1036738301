// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package atomicfile writes whole files atomically via a temporary
// sibling and rename, so readers observe either the previous content
// or the new content, never a torn write.
package atomicfile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Error is the error class for atomic file operations.
var Error = errs.Class("atomicfile")

// Write atomically replaces the file at path with data. The parent
// directory is created when missing. The temporary file is fsynced
// before the rename and the directory is synced after, which bounds a
// crash to losing at most the latest replace.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Error.Wrap(err)
	}

	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Write(data); err != nil {
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}

	if dh, err := os.Open(dir); err == nil {
		_ = dh.Sync()
		_ = dh.Close()
	}
	return nil
}

// WriteJSON marshals v with two-space indentation and atomically
// replaces the file at path with the result.
func WriteJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return Write(path, append(data, '\n'), perm)
}

// ReadJSON reads the file at path and unmarshals it into v. It returns
// os.ErrNotExist (wrapped) when the file is absent so callers can fall
// back to defaults.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return Error.Wrap(err)
	}
	return Error.Wrap(json.Unmarshal(data, v))
}
