package pathwatch

import (
	"fmt"

	"github.com/pathwatch/pathwatch/internal/registry"
)

// ErrClosed is returned by any Manager operation invoked after Close.
var ErrClosed = registry.ErrClosed

// NotDirectoryError is returned by Add and Remove when the given path
// exists but does not refer to a directory.
type NotDirectoryError struct {
	Path string
}

func (e *NotDirectoryError) Error() string {
	return fmt.Sprintf("pathwatch: %s is not a directory", e.Path)
}
