// Package clipboard copies reply text to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
)

// ErrUnsupported is returned when the platform has no clipboard utility.
var ErrUnsupported = errors.New("clipboard: no clipboard utility available")

// Copier copies textual data to the system clipboard.
type Copier interface {
	Copy(text string) error
}

// Service implements Copier using github.com/atotto/clipboard.
type Service struct {
	writeAll    func(string) error
	unsupported bool
}

// NewService constructs a clipboard Service for the current platform.
func NewService() *Service {
	return &Service{writeAll: clipboard.WriteAll, unsupported: clipboard.Unsupported}
}

// Copy writes text to the system clipboard.
func (service *Service) Copy(text string) error {
	if service.unsupported {
		return ErrUnsupported
	}
	if err := service.writeAll(text); err != nil {
		return fmt.Errorf("clipboard: copy %d bytes: %w", len(text), err)
	}
	return nil
}

var _ Copier = (*Service)(nil)
