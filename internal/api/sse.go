package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chatwithllms/chatstream/internal/stream"
)

const (
	// sseInitialBufferSize is the scanner's starting buffer.
	sseInitialBufferSize = 64 * 1024

	// sseMaxLineSize caps a single SSE line.
	sseMaxLineSize = 1024 * 1024
)

// ErrTruncatedStream is returned when the stream ends before a terminal
// fragment was delivered. The controller treats it as a failed close.
var ErrTruncatedStream = errors.New("api: stream ended without terminal event")

// sseConn reads server-sent events off a streaming response body and decodes
// each data line into a stream fragment.
type sseConn struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	sawFinal bool
}

func newSSEConn(body io.ReadCloser) *sseConn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, sseInitialBufferSize), sseMaxLineSize)

	return &sseConn{
		body:    body,
		scanner: scanner,
	}
}

// Recv returns the next decoded fragment. It returns io.EOF once the body is
// exhausted after a terminal fragment, and ErrTruncatedStream if the body
// ends mid-stream.
func (c *sseConn) Recv() (stream.Fragment, error) {
	for c.scanner.Scan() {
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var frag stream.Fragment
		if err := json.Unmarshal([]byte(payload), &frag); err != nil {
			return stream.Fragment{}, fmt.Errorf("api: decode stream event: %w", err)
		}
		if frag.IsFinal {
			c.sawFinal = true
		}
		return frag, nil
	}

	if err := c.scanner.Err(); err != nil {
		return stream.Fragment{}, err
	}
	if !c.sawFinal {
		return stream.Fragment{}, ErrTruncatedStream
	}
	return stream.Fragment{}, io.EOF
}

// Close releases the underlying response body.
func (c *sseConn) Close() error {
	return c.body.Close()
}
