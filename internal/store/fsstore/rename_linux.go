//go:build linux

package fsstore

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace переносит файл, не затирая существующий в назначении.
func renameNoReplace(oldPath, newPath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return os.ErrExist
	case errors.Is(err, unix.ENOENT):
		return os.ErrNotExist
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		// ФС без поддержки RENAME_NOREPLACE (часть сетевых/overlay)
		return renameChecked(oldPath, newPath)
	default:
		return &os.LinkError{Op: "renameat2", Old: oldPath, New: newPath, Err: err}
	}
}

// exchange атомарно меняет местами временный файл и файл записи.
// Если записи на месте нет, возвращает os.ErrNotExist и ничего не трогает.
func exchange(tmpPath, path string) error {
	err := unix.Renameat2(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		return os.ErrNotExist
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		return exchangeChecked(tmpPath, path)
	default:
		return &os.LinkError{Op: "renameat2", Old: tmpPath, New: path, Err: err}
	}
}
