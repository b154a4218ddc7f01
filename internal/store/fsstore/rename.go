package fsstore

import (
	"errors"
	"os"
)

// renameChecked — запасной путь: эксклюзивность источника дает rename,
// проверка назначения не атомарна.
func renameChecked(oldPath, newPath string) error {
	if _, err := os.Lstat(newPath); err == nil {
		return os.ErrExist
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// exchangeChecked — запасной путь для exchange: между проверкой и rename
// запись может уйти, и тогда rename вернет ее копию на старое место.
func exchangeChecked(tmpPath, path string) error {
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
