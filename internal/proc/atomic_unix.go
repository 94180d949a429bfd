//go:build !windows

package proc

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile writes data to a file atomically via temp+rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
