// Package fsutil provides one-shot recursive file-tree operations:
// erasing a subtree and transferring (copying, moving or linking) one
// subtree into another.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Action transfers a single file from src to dst. The destination's
// parent directory exists by the time the action runs.
type Action func(src, dst string) error

// Copy duplicates the file contents and permissions.
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Move renames the file into place, falling back to copy-and-delete
// when the rename crosses filesystems.
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := Copy(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// Link hard-links dst to src, replacing an existing dst.
func Link(src, dst string) error {
	if err := os.Link(src, dst); err == nil || !os.IsExist(err) {
		return err
	}
	if err := os.Remove(dst); err != nil {
		return err
	}
	return os.Link(src, dst)
}

// Symlink creates dst as a symbolic link to src, replacing an existing
// dst.
func Symlink(src, dst string) error {
	if err := os.Symlink(src, dst); err == nil || !os.IsExist(err) {
		return err
	}
	if err := os.Remove(dst); err != nil {
		return err
	}
	return os.Symlink(src, dst)
}

type transferConfig struct {
	log        *zap.Logger
	filter     func(string) bool
	continueOn bool
}

// TransferOption configures TransferTree.
type TransferOption func(*transferConfig)

// WithLogger logs every transferred node at Debug and the overall
// operation at Info.
func WithLogger(log *zap.Logger) TransferOption {
	return func(c *transferConfig) { c.log = log }
}

// WithFilter skips paths for which filter returns false; a skipped
// directory hides its subtree.
func WithFilter(filter func(path string) bool) TransferOption {
	return func(c *transferConfig) { c.filter = filter }
}

// ContinueOnError makes TransferTree carry on past per-node failures
// and return them combined instead of stopping at the first.
func ContinueOnError() TransferOption {
	return func(c *transferConfig) { c.continueOn = true }
}

// TransferTree applies action to every file under src, recreating the
// directory structure under dst. Directories are created before their
// contents are transferred.
func TransferTree(src, dst string, action Action, opts ...TransferOption) error {
	cfg := transferConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	src = filepath.Clean(src)
	cfg.log.Info("transfer started", zap.String("src", src), zap.String("dst", dst))

	var failed error
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cfg.filter != nil && !cfg.filter(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o777)
		}
		if err := action(path, target); err != nil {
			err = fmt.Errorf("transferring %s: %w", path, err)
			if cfg.continueOn {
				failed = multierr.Append(failed, err)
				return nil
			}
			return err
		}
		cfg.log.Debug("transferred", zap.String("src", path), zap.String("dst", target))
		return nil
	})
	err = multierr.Append(err, failed)
	cfg.log.Info("transfer finished", zap.String("src", src), zap.Error(err))
	return err
}

// EraseTree deletes the subtree rooted at root, files before their
// containing directories. A missing root is not an error.
func EraseTree(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		child := filepath.Join(root, e.Name())
		if e.IsDir() {
			err = EraseTree(child)
		} else {
			err = os.Remove(child)
		}
		if err != nil {
			return err
		}
	}
	return os.Remove(root)
}
