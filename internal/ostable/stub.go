//go:build !darwin && !linux

package ostable

import "errors"

// StubReader reports no entries on platforms without a native implementation.
type StubReader struct{}

// NewReader returns the platform connection-table reader.
func NewReader() *StubReader { return &StubReader{} }

func (r *StubReader) Scan() ([]Entry, error) {
	return nil, errors.New("ostable: connection table reading not implemented on this platform")
}
