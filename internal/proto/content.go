package proto

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrOffsetRange  = errors.New("content offset out of range")
	ErrUnterminated = errors.New("unterminated content line")
)

// ExtractLine returns the content part starting at offset up to and including
// the next term byte, and the offset just past it.
func ExtractLine(content []byte, offset int, term byte) (string, int, error) {
	if offset < 0 || offset >= len(content) {
		return "", offset, fmt.Errorf("%w: %d of %d", ErrOffsetRange, offset, len(content))
	}
	i := bytes.IndexByte(content[offset:], term)
	if i < 0 {
		return "", len(content), fmt.Errorf("%w at offset %d", ErrUnterminated, offset)
	}
	end := offset + i + 1
	return string(content[offset:end]), end, nil
}
