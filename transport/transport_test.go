package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mazyod/lsp-python-types/internal/mocklsp"
	"github.com/Mazyod/lsp-python-types/transport"
)

func startMock(t *testing.T, server *mocklsp.Server) *transport.Transport {
	t.Helper()
	pipes := server.Start()
	tr := transport.NewFromPipes(pipes.ClientWriter, pipes.ClientReader, nil)
	t.Cleanup(func() {
		_ = tr.Stop(context.Background())
	})
	return tr
}

func TestSendRequestReturnsMatchingResponse(t *testing.T) {
	server := mocklsp.NewServer()
	tr := startMock(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := tr.SendRequest(ctx, "initialize", map[string]any{})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var decoded struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded.ServerInfo.Name != "mock-lsp-server" {
		t.Fatalf("unexpected server name: %q", decoded.ServerInfo.Name)
	}
}

func TestConcurrentRequestsGetDistinctResponses(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/hover"] = mocklsp.Behavior{
		Result: json.RawMessage(`{"contents":"hover"}`),
	}
	tr := startMock(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := tr.SendRequest(ctx, "textDocument/hover", map[string]any{"i": i})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
}

func TestSendRequestSurfacesServerError(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/hover"] = mocklsp.Behavior{
		ErrorOn:      true,
		ErrorCode:    -32600,
		ErrorMessage: "boom",
	}
	tr := startMock(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := tr.SendRequest(ctx, "textDocument/hover", map[string]any{})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestSendRequestTimesOutOnHang(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/hover"] = mocklsp.Behavior{HangOn: true}
	tr := startMock(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tr.SendRequest(ctx, "textDocument/hover", map[string]any{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestNotificationWaiterDeliversParams(t *testing.T) {
	server := mocklsp.NewServer()
	server.PublishAfterOpen = func(uri string, version int) (string, any, bool) {
		return "textDocument/publishDiagnostics", map[string]any{
			"uri":         uri,
			"version":     version,
			"diagnostics": []any{},
		}, true
	}
	tr := startMock(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiter := tr.Arm("textDocument/publishDiagnostics")

	if err := tr.SendNotification(ctx, "textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{"uri": "file:///a.py", "version": 1},
	}); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	params, err := waiter.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var decoded struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if decoded.URI != "file:///a.py" {
		t.Fatalf("unexpected uri %q", decoded.URI)
	}
}

func TestStopCompletesPendingRequestsWithCancelled(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/hover"] = mocklsp.Behavior{HangOn: true}
	pipes := server.Start()
	tr := transport.NewFromPipes(pipes.ClientWriter, pipes.ClientReader, nil)

	ctx := context.Background()
	resultCh := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(ctx, "textDocument/hover", map[string]any{})
		resultCh <- err
	}()

	// Give the hanging request time to register before we force the
	// transport closed by severing the pipe from the far side.
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tr.Stop(stopCtx)

	select {
	case err := <-resultCh:
		if !errors.Is(err, transport.ErrCancelled) {
			t.Fatalf("expected pending request to fail with ErrCancelled once transport stopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never completed after Stop")
	}
}
