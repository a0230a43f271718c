package proto_test

import (
	"errors"
	"testing"

	"dchat/internal/proto"
)

func TestExtractLine(t *testing.T) {
	content := []byte("one\ntwo\nthree")
	line, next, err := proto.ExtractLine(content, 0, '\n')
	if err != nil || line != "one\n" || next != 4 {
		t.Fatalf("first line: %q %d %v", line, next, err)
	}
	line, next, err = proto.ExtractLine(content, next, '\n')
	if err != nil || line != "two\n" || next != 8 {
		t.Fatalf("second line: %q %d %v", line, next, err)
	}
	if _, _, err = proto.ExtractLine(content, next, '\n'); !errors.Is(err, proto.ErrUnterminated) {
		t.Fatalf("expected unterminated, got %v", err)
	}
	for _, off := range []int{-1, len(content)} {
		if _, _, err := proto.ExtractLine(content, off, '\n'); !errors.Is(err, proto.ErrOffsetRange) {
			t.Fatalf("offset %d: expected range error, got %v", off, err)
		}
	}
}
