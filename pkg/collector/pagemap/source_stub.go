//go:build !linux
// +build !linux

package pagemap

import (
	"errors"

	"github.com/srodi/pagecontig/pkg/layout"
	"github.com/srodi/pagecontig/pkg/pagetable"
)

var errUnsupported = errors.New("pagemap source requires linux")

// Source is a placeholder on non-Linux platforms.
type Source struct{}

// NewSource returns an error because /proc/PID/pagemap only exists on Linux.
func NewSource() (*Source, error) {
	return nil, errUnsupported
}

// Geometry returns the default geometry.
func (s *Source) Geometry() pagetable.Geometry {
	return pagetable.DefaultGeometry
}

// Processes always fails on unsupported platforms.
func (s *Source) Processes() ([]layout.Process, error) {
	return nil, errUnsupported
}
