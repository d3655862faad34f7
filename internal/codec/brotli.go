// Package codec compresses and decompresses assistant reply content with
// brotli, the wire format the cache persists answers in.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

const (
	quality    = 11
	windowBits = 22
	bufSize    = 4096
)

// CodecError wraps a failure to encode or decode a blob.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Encode compresses content (the assistant message text) with brotli.
func Encode(content string) ([]byte, error) {
	var buf bytes.Buffer

	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{
		Quality: quality,
		LGWin:   windowBits,
	})

	chunk := make([]byte, 0, bufSize)
	data := []byte(content)

	for len(data) > 0 {
		n := bufSize
		if n > len(data) {
			n = len(data)
		}

		chunk = append(chunk[:0], data[:n]...)

		_, err := w.Write(chunk)
		if err != nil {
			_ = w.Close()
			return nil, &CodecError{Op: "encode", Err: err}
		}

		data = data[n:]
	}

	if err := w.Close(); err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}

	return buf.Bytes(), nil
}

// Decode decompresses a complete brotli blob and interprets it as UTF-8 text.
func Decode(blob []byte) (string, error) {
	r := brotli.NewReader(bytes.NewReader(blob))

	out, err := io.ReadAll(r)
	if err != nil {
		return "", &CodecError{Op: "decode", Err: err}
	}

	if !utf8.Valid(out) {
		return "", &CodecError{Op: "decode", Err: fmt.Errorf("decompressed blob is not valid UTF-8")}
	}

	return string(out), nil
}
