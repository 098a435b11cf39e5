package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// fakeServer answers JSON-RPC requests on a pipe pair the way a child
// process would over stdio.
type fakeServer struct {
	in  *io.PipeReader // requests from the client
	out *io.PipeWriter // responses to the client
}

func newFakeTransport(t *testing.T, handler func(req request) *response) *transport {
	t.Helper()

	clientOutR, clientOutW := io.Pipe() // client writes -> server reads
	serverOutR, serverOutW := io.Pipe() // server writes -> client reads

	srv := &fakeServer{in: clientOutR, out: serverOutW}
	go srv.serve(handler)

	trans := newTransport(clientOutW, serverOutR, 2*time.Second)
	t.Cleanup(func() { trans.close() })
	return trans
}

func (s *fakeServer) serve(handler func(req request) *response) {
	defer s.out.Close()
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue // notification
		}
		resp := handler(req)
		if resp == nil {
			continue
		}
		resp.JSONRPC = "2.0"
		resp.ID = req.ID
		payload, _ := json.Marshal(resp)
		s.out.Write(append(payload, '\n'))
	}
}

func TestTransportRoutesResponsesByID(t *testing.T) {
	trans := newFakeTransport(t, func(req request) *response {
		return &response{Result: json.RawMessage(`{"method":"` + req.Method + `"}`)}
	})

	raw, err := trans.call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["method"] != "ping" {
		t.Errorf("result = %v", result)
	}
}

func TestTransportConcurrentCalls(t *testing.T) {
	trans := newFakeTransport(t, func(req request) *response {
		var params map[string]any
		if m, ok := req.Params.(map[string]any); ok {
			params = m
		}
		payload, _ := json.Marshal(params)
		return &response{Result: payload}
	})

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			raw, err := trans.call(context.Background(), "echo", map[string]any{"n": float64(n)})
			if err != nil {
				done <- err
				return
			}
			var result map[string]float64
			if err := json.Unmarshal(raw, &result); err != nil {
				done <- err
				return
			}
			if int(result["n"]) != n {
				done <- errors.New("mismatched response")
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

func TestTransportServerError(t *testing.T) {
	trans := newFakeTransport(t, func(req request) *response {
		return &response{Error: &rpcError{Code: -32601, Message: "method not found"}}
	})

	if _, err := trans.call(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestTransportToleratesJunkLines(t *testing.T) {
	clientOutR, clientOutW := io.Pipe()
	serverOutR, serverOutW := io.Pipe()

	go func() {
		defer serverOutW.Close()
		scanner := bufio.NewScanner(clientOutR)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
				continue
			}
			serverOutW.Write([]byte("server booting...\n"))
			serverOutW.Write([]byte("{not json}\n"))
			resp := response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
			payload, _ := json.Marshal(resp)
			serverOutW.Write(append(payload, '\n'))
		}
	}()

	trans := newTransport(clientOutW, serverOutR, 2*time.Second)
	defer trans.close()

	raw, err := trans.call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("result = %s", raw)
	}
}

func TestTransportClosedStreamFailsWaiters(t *testing.T) {
	clientOutR, clientOutW := io.Pipe()
	serverOutR, serverOutW := io.Pipe()

	// Server reads one request, then hangs up without answering.
	go func() {
		scanner := bufio.NewScanner(clientOutR)
		scanner.Scan()
		serverOutW.Close()
	}()

	trans := newTransport(clientOutW, serverOutR, 5*time.Second)
	defer trans.close()

	_, err := trans.call(context.Background(), "ping", nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestTransportCallTimeout(t *testing.T) {
	clientOutR, clientOutW := io.Pipe()
	serverOutR, _ := io.Pipe()

	go func() {
		io.Copy(io.Discard, clientOutR) // swallow requests, never answer
	}()

	trans := newTransport(clientOutW, serverOutR, 50*time.Millisecond)
	defer trans.close()

	_, err := trans.call(context.Background(), "ping", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	trans := newFakeTransport(t, func(req request) *response { return nil })
	if err := trans.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := trans.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
