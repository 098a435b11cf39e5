package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// defaultCallTimeout bounds a request when the server config sets none.
const defaultCallTimeout = 30 * time.Second

// transport speaks newline-delimited JSON-RPC over a pair of streams,
// usually a child process's stdin/stdout.
type transport struct {
	w       io.WriteCloser
	r       io.ReadCloser
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *response
	closed  bool

	// onClose runs once after the read loop stops; used to reap the
	// child process.
	onClose func()
}

func newTransport(w io.WriteCloser, r io.ReadCloser, timeout time.Duration) *transport {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	t := &transport{
		w:       w,
		r:       r,
		timeout: timeout,
		pending: make(map[int64]chan *response),
	}
	go t.readLoop()
	return t
}

// call sends a request and waits for the matching response.
func (t *transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *response, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: timeout after %s", method, t.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a request with no ID and expects no response.
func (t *transport) notify(method string, params any) error {
	return t.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *transport) write(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (t *transport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // tolerate stray non-JSON output on stdout
		}
		if resp.ID == nil {
			continue // server notification; nothing to route
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	t.failPending()
	if t.onClose != nil {
		t.onClose()
	}
}

// failPending wakes every waiter after the stream ends.
func (t *transport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// close shuts the streams down. Safe to call more than once.
func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.w.Close()
	return t.r.Close()
}
