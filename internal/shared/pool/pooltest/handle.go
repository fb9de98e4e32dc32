// Package pooltest provides an in-memory connection handle for tests.
package pooltest

import (
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// ErrClosed is returned by Send and Ping after Close.
var ErrClosed = errors.New("pooltest: handle closed")

// Handle records every frame sent to it. It satisfies pool.Handle and pool.Pinger.
type Handle struct {
	mu          sync.Mutex
	frames      [][]byte
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string
	pings       int
}

func NewHandle() *Handle { return &Handle{} }

func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.frames = append(h.frames, append([]byte(nil), data...))
	return nil
}

func (h *Handle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.pings++
	return nil
}

func (h *Handle) Close(code int, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.closeCode = code
		h.closeReason = reason
	}
	return nil
}

// Fail makes every later Send and Ping return err, simulating a dead peer.
func (h *Handle) Fail(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// Frames returns a copy of the frames received so far.
func (h *Handle) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.frames...)
}

// Count returns the number of frames received.
func (h *Handle) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// Messages decodes each received frame as a JSON object.
func (h *Handle) Messages() []map[string]any {
	frames := h.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := jsoniter.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// MessagesOfType returns the decoded frames whose "type" equals typ.
func (h *Handle) MessagesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range h.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports whether Close was called, with the code and reason used.
func (h *Handle) Closed() (bool, int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeCode, h.closeReason
}

// Pings returns how many keep-alive pings succeeded.
func (h *Handle) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}
