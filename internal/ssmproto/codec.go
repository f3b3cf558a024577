// Package ssmproto implements the State Manager wire protocol: a 5-byte
// space-padded ASCII decimal length frame followed by exactly that many
// bytes of UTF-8 XML payload.
package ssmproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxMessageBytes is the largest payload the protocol can carry; the 5-byte
// decimal length field cannot address anything larger.
const MaxMessageBytes = 99999

const lengthFieldWidth = 5

// WriteMessage frames payload with a 5-byte space-padded ASCII decimal
// length and writes it to w. It fails closed - returning an error without
// writing any framing bytes - when payload exceeds MaxMessageBytes.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageBytes {
		return fmt.Errorf("ssmproto: message of %d bytes exceeds %d byte limit", len(payload), MaxMessageBytes)
	}
	header := fmt.Sprintf("%-5d", len(payload))
	if len(header) != lengthFieldWidth {
		return fmt.Errorf("ssmproto: internal error formatting length header %q", header)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("ssmproto: write length header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ssmproto: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message from r. It fails closed on a short
// read or a malformed length field: trailing spaces are ignored (an
// all-spaces field decodes to length 0), but anything else non-numeric is
// rejected.
func ReadMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, lengthFieldWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("ssmproto: read length header: %w", err)
	}

	trimmed := strings.TrimRight(string(header), " ")
	if trimmed == "" {
		return []byte{}, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("ssmproto: malformed length header %q", string(header))
	}
	if n > MaxMessageBytes {
		return nil, fmt.Errorf("ssmproto: declared length %d exceeds %d byte limit", n, MaxMessageBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ssmproto: read payload of %d bytes: %w", n, err)
	}
	return payload, nil
}

// Codec buffers reads and writes over a single connection, the same
// bufio-over-net.Conn shape used throughout the retrieval pack's socket
// servers.
type Codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewCodec wraps rw for framed message exchange.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

// Write frames and flushes payload.
func (c *Codec) Write(payload []byte) error {
	if err := WriteMessage(c.w, payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// Read reads one framed message.
func (c *Codec) Read() ([]byte, error) {
	return ReadMessage(c.r)
}
