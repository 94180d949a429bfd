//go:build windows

package proc

import "os"

// atomicWriteFile writes data to a temp file and renames it into place.
// Windows lacks atomic rename-over-existing semantics, so remove first.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
