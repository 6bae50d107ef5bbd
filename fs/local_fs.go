package fs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SkipFunc reports whether a path (relative to the copy root) should be
// left out of a tree copy.
type SkipFunc func(relPath string, entry fs.DirEntry) bool

// CopyFile copies src to dst byte for byte, creating parent dirs. The
// copy is created with mode perm.
func CopyFile(src, dst string, perm os.FileMode) error {
	parentDstDir := filepath.Dir(dst)
	if err := os.MkdirAll(parentDstDir, 0o755); err != nil {
		return errors.Wrapf(
			err, "unable to make parent dir %s of dst %s", parentDstDir, dst,
		)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "unable to open source file %s", src)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "unable to create dst file %s", dst)
	}
	defer dstFile.Close()

	if _, err = io.Copy(dstFile, srcFile); err != nil {
		return errors.Wrapf(err, "error copying from src %s to dst %s", src, dst)
	}

	if err = dstFile.Sync(); err != nil {
		return errors.Wrapf(err, "error syncing dst %s to disk", dst)
	}

	// OpenFile applies the umask, so set the bits explicitly.
	if err = os.Chmod(dst, perm); err != nil {
		return errors.Wrapf(err, "error setting mode of dst %s", dst)
	}
	return nil
}

// CopyTree recursively copies the regular files and directories of src
// into dst. Symlinks are followed for files; entries for which skip
// returns true are not copied (directories are pruned).
func CopyTree(src, dst string, skip SkipFunc) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.Wrapf(walkErr, "error walking %s", path)
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return errors.Wrapf(err, "error relativizing %s to %s", path, src)
		}

		if relPath != "." && skip != nil && skip(relPath, entry) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, relPath)
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "error stat-ing %s", path)
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return errors.Wrapf(err, "unable to make dir %s", target)
			}
		case info.Mode().IsRegular():
			if err := CopyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}
