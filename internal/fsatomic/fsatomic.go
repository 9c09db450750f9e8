// Package fsatomic provides crash-safe file writes: write to a temp file in
// the target directory, fsync, then rename over the target. Every on-disk
// store in the gateway (config, credential profiles, sessions) goes through
// this path so a torn write can never corrupt state.
package fsatomic

import (
	"io"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data. The temp file is created in
// the same directory so the rename stays on one filesystem. On rename failure
// (some Windows filesystems refuse to replace an open target) it falls back
// to copy+chmod+unlink.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Rename over an existing file can fail on Windows-like filesystems.
		if copyErr := copyOver(tmpPath, path, mode); copyErr != nil {
			return err
		}
		os.Remove(tmpPath)
	}
	cleanup = false
	return nil
}

// WriteFileWithBackup writes path atomically, first preserving the previous
// contents at path+".bak" (best effort).
func WriteFileWithBackup(path string, data []byte, mode os.FileMode) error {
	if prev, err := os.ReadFile(path); err == nil {
		_ = WriteFile(path+".bak", prev, mode)
	}
	return WriteFile(path, data, mode)
}

func copyOver(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
