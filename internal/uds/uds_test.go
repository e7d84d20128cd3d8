package uds

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// shortSockPath keeps socket paths under the macOS 104-byte limit.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "fetchd-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, register func(s *Server)) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t)
	server := NewServer(sockPath, nil)
	if register != nil {
		register(server)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		req, _ := NewRequest(CmdSubmit, SubmitParams{Owner: "alice", Source: "https://example.com/f.iso", Size: 42})
		WriteFrame(a, req)
	}()

	var req Request
	if err := ReadFrame(b, &req); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if req.Command != CmdSubmit || req.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected request %+v", req)
	}
	var params SubmitParams
	if err := req.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if params.Owner != "alice" || params.Size != 42 {
		t.Errorf("params = %+v", params)
	}
}

func TestFraming_LargePayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	content := strings.Repeat("x", 1024*1024)
	go func() {
		WriteFrame(a, map[string]string{"content": content})
	}()

	var got map[string]string
	if err := ReadFrame(b, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got["content"]) != len(content) {
		t.Errorf("content length = %d, want %d", len(got["content"]), len(content))
	}
}

func TestFraming_RejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// length prefix larger than the limit, no payload
		a.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	}()

	var v map[string]any
	err := ReadFrame(b, &v)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Fatalf("expected %s, got %+v", ErrCodeProtocolMismatch, resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t, nil)

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected ErrorDetail, got %v", err)
	}
	if detail.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %q", detail.Code)
	}
}

func TestServer_HandlerExecution(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdGet, func(req *Request) *Response {
			var p TaskParams
			if err := req.DecodeParams(&p); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			if p.ID == "" {
				return ErrorResponse(ErrCodeValidation, "id required")
			}
			return SuccessResponse(map[string]string{"id": p.ID, "status": "queued"})
		})
	})

	var got map[string]string
	if err := client.Call(CmdGet, TaskParams{ID: "task_1700000000_00000001"}, &got); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got["id"] != "task_1700000000_00000001" || got["status"] != "queued" {
		t.Errorf("got %v", got)
	}

	err := client.Call(CmdGet, TaskParams{}, &got)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("boom", func(*Request) *Response { panic("handler bug") })
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	if _, err := client.SendCommand("boom", nil); err == nil {
		t.Error("expected an error when the handler panics")
	}
	if err := client.Call(CmdPing, nil, nil); err != nil {
		t.Fatalf("server unusable after panic: %v", err)
	}
}

func TestServer_MultipleClients(t *testing.T) {
	_, _, sockPath := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response {
			return SuccessResponse(map[string]string{"status": "pong"})
		})
	})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			var out map[string]string
			if err := c.Call(CmdPing, nil, &out); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("client: %v", err)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	if err == nil {
		t.Fatal("expected error when daemon not running")
	}
	if !strings.Contains(err.Error(), "failed to connect to daemon") {
		t.Errorf("expected daemon connection error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "fetchd daemon") {
		t.Errorf("expected hint about 'fetchd daemon', got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	_, _, sockPath := startServer(t, func(s *Server) {
		s.SetConnTimeout(300 * time.Millisecond)
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// idle connection is closed by the server
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected read error on timed-out connection")
	}

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(CmdPing, nil, nil); err != nil {
		t.Fatalf("client after timeout: %v", err)
	}
}

func TestServer_SocketLifecycle(t *testing.T) {
	sockPath := shortSockPath(t)
	// stale file from a crashed daemon
	if err := os.WriteFile(sockPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	server := NewServer(sockPath, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}

	server.Stop()
	server.Stop()
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResponse_Decode(t *testing.T) {
	var out map[string]int
	if err := SuccessResponse(map[string]int{"count": 42}).Decode(&out); err != nil || out["count"] != 42 {
		t.Errorf("Decode = %v, %v", out, err)
	}

	if resp := SuccessResponse(nil); resp.Data != nil {
		t.Errorf("expected nil data, got %s", resp.Data)
	}
	if err := SuccessResponse(nil).Decode(&out); err != nil {
		t.Errorf("empty data: %v", err)
	}

	err := ErrorResponse(ErrCodeNotFound, "task not found").Decode(&out)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeNotFound || detail.Message != "task not found" {
		t.Errorf("error = %v", err)
	}
	if err := (&Response{}).Decode(nil); err == nil {
		t.Error("failed response without detail must still error")
	}

	// unmarshalable data is reported instead of silently dropped
	bad := SuccessResponse(map[string]any{"ch": make(chan int)})
	if bad.Success || bad.Error.Code != ErrCodeInternal {
		t.Errorf("expected internal error, got %+v", bad)
	}
}
