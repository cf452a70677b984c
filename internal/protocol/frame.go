// Package protocol defines what travels over a peer's data channels: JSON
// application messages on text frames and file frames on binary frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// FrameHeaderSize is the fixed prefix of a file frame: ID(4) + NameLen(4).
const FrameHeaderSize = 8

// ErrFraming is matched by every *FramingError.
var ErrFraming = errors.New("malformed file frame")

// utf16be encodes file names as big-endian UTF-16 code units without a BOM.
var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// FileFrame is one whole file carried in a single binary data channel message.
//
// Layout (all integers big-endian):
//
//	[ID uint32][NameLen uint32][Name: NameLen bytes UTF-16BE][Content: rest]
type FileFrame struct {
	ID      uint32
	Name    string
	Content []byte
}

// FramingError reports a frame whose declared lengths do not fit its bytes.
type FramingError struct {
	Field string
	Need  uint64
	Have  int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed file frame: %s needs %d bytes, %d available", e.Field, e.Need, e.Have)
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// EncodeFrame serializes f into a binary frame.
func EncodeFrame(f *FileFrame) ([]byte, error) {
	name, err := utf16be.NewEncoder().Bytes([]byte(f.Name))
	if err != nil {
		return nil, fmt.Errorf("encode file name: %w", err)
	}

	buf := make([]byte, FrameHeaderSize+len(name)+len(f.Content))
	binary.BigEndian.PutUint32(buf[0:4], f.ID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(name)))
	copy(buf[FrameHeaderSize:], name)
	copy(buf[FrameHeaderSize+len(name):], f.Content)
	return buf, nil
}

// DecodeFrame parses a binary frame. It never returns a partially decoded
// frame: any length mismatch yields a *FramingError.
func DecodeFrame(data []byte) (*FileFrame, error) {
	if len(data) < FrameHeaderSize {
		return nil, &FramingError{Field: "header", Need: FrameHeaderSize, Have: len(data)}
	}

	id := binary.BigEndian.Uint32(data[0:4])
	nameLen := uint64(binary.BigEndian.Uint32(data[4:8]))
	rest := data[FrameHeaderSize:]

	if nameLen > uint64(len(rest)) {
		return nil, &FramingError{Field: "name", Need: nameLen, Have: len(rest)}
	}
	if nameLen%2 != 0 {
		return nil, &FramingError{Field: "name code units", Need: nameLen + 1, Have: int(nameLen)}
	}

	name, err := utf16be.NewDecoder().Bytes(rest[:nameLen])
	if err != nil {
		return nil, fmt.Errorf("decode file name: %w", err)
	}

	content := make([]byte, len(rest)-int(nameLen))
	copy(content, rest[nameLen:])

	return &FileFrame{ID: id, Name: string(name), Content: content}, nil
}
