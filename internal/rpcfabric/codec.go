package rpcfabric

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Codec reads and writes whole frames off a transport. The RPC fabric is
// codec-agnostic: the same Dispatcher runs over either implementation.
type Codec interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
}

// LengthPrefixedCodec frames payloads as big-endian u32 length || payload,
// per spec.md §4.B's tunnel-transport variant.
type LengthPrefixedCodec struct {
	r io.Reader
	w io.Writer
}

// NewLengthPrefixedCodec wraps rw for length-prefixed binary framing.
func NewLengthPrefixedCodec(r io.Reader, w io.Writer) *LengthPrefixedCodec {
	return &LengthPrefixedCodec{r: r, w: w}
}

const maxFrameSize = 64 << 20

func (c *LengthPrefixedCodec) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *LengthPrefixedCodec) WriteFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.w.Write(payload)
	return err
}

// LineJSONCodec frames payloads as newline-delimited JSON, per spec.md
// §4.B's local-singleton-channel variant. Grounded on
// pkg/mcp.Server.Serve's bufio.Scanner read loop.
type LineJSONCodec struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewLineJSONCodec wraps rw for newline-delimited JSON framing.
func NewLineJSONCodec(r io.Reader, w io.Writer) *LineJSONCodec {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10<<20)
	return &LineJSONCodec{scanner: sc, w: w}
}

func (c *LineJSONCodec) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := c.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

func (c *LineJSONCodec) WriteFrame(payload []byte) error {
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	_, err := c.w.Write([]byte{'\n'})
	return err
}
