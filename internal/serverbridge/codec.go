package serverbridge

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

// Codec transforms bytes received over the RPC transport before they are
// written to the server socket (spec.md §4.C's compression negotiation).
type Codec interface {
	Decode(bytes []byte) ([]byte, error)
}

// IdentityCodec passes bytes through unchanged — used when the peer did
// not request compression at serve time.
type IdentityCodec struct{}

func (IdentityCodec) Decode(b []byte) ([]byte, error) { return b, nil }

// DeflateSyncCodec is a raw-deflate (no zlib header), sync-flush codec pair.
// Level 2 plus Flush after each write gives the reader a full message at
// each boundary instead of buffering across calls. Decode treats a chunk
// that ends the deflate stream as an error: this stream runs indefinitely
// and never reaches a natural end.
type DeflateSyncCodec struct {
	buf  bytes.Buffer
	fw   *flate.Writer
	dict []byte // last 32 KiB of decoded output, the window for the next chunk
}

// NewDeflateSyncCodec builds a raw-deflate decoder for one bridge
// direction; level 2 matches spec.md's stated compression level.
func NewDeflateSyncCodec() (*DeflateSyncCodec, error) {
	c := &DeflateSyncCodec{}
	fw, err := flate.NewWriter(&c.buf, 2)
	if err != nil {
		return nil, err
	}
	c.fw = fw
	return c, nil
}

// Decode inflates a compressed chunk produced with sync-flush framing,
// resolving back-references against the output of earlier chunks.
func (c *DeflateSyncCodec) Decode(b []byte) ([]byte, error) {
	r := flate.NewReaderDict(bytes.NewReader(b), c.dict)
	defer r.Close()
	var out bytes.Buffer
	_, err := io.Copy(&out, r)
	if err == nil {
		return nil, errors.New("deflate: unexpected end of stream")
	}
	if err != io.ErrUnexpectedEOF {
		return nil, err
	}
	c.dict = append(c.dict, out.Bytes()...)
	if n := len(c.dict) - 32<<10; n > 0 {
		c.dict = append([]byte(nil), c.dict[n:]...)
	}
	return out.Bytes(), nil
}

// Encode compresses payload and flushes to a message boundary, growing the
// internal output buffer geometrically as needed.
func (c *DeflateSyncCodec) Encode(payload []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.fw.Write(payload); err != nil {
		return nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}
