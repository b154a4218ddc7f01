//go:build !linux

package fsstore

func renameNoReplace(oldPath, newPath string) error {
	return renameChecked(oldPath, newPath)
}

func exchange(tmpPath, path string) error {
	return exchangeChecked(tmpPath, path)
}
