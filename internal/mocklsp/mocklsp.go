// Package mocklsp is an in-process stand-in for a real pyright/pyrefly/ty
// subprocess, used by transport, pool, and session tests. It speaks the
// same Content-Length-framed JSON-RPC wire protocol as a real backend but
// runs as a goroutine connected through io.Pipe instead of os/exec, and can
// be configured to hang, error, or return malformed bytes for a chosen
// method to exercise failure paths that are impractical to provoke from a
// real language server.
package mocklsp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/Mazyod/lsp-python-types/jsonrpc"
)

// Behavior configures how the mock responds to one method name. The zero
// value behaves like a normal LSP server: respond with a null result.
type Behavior struct {
	// HangOn, if set, makes the server never respond to this method.
	HangOn bool
	// ErrorOn, if set, makes the server respond with an error object.
	ErrorOn      bool
	ErrorCode    int
	ErrorMessage string
	// MalformedOn, if set, makes the server write invalid bytes instead of
	// a well-formed frame.
	MalformedOn bool
	// Result overrides the default null result for a successful response.
	Result json.RawMessage
}

// Server is a configurable mock LSP server. Configure Behaviors before
// calling Start; mutating it afterward races with the read loop.
type Server struct {
	// Behaviors maps method name to the configured response.
	Behaviors map[string]Behavior

	// PublishAfterOpen, if set, is sent as a textDocument/publishDiagnostics
	// notification immediately after a textDocument/didOpen notification
	// for the same URI. This mimics a real analyzer pushing diagnostics
	// once it has processed a newly opened document.
	PublishAfterOpen func(uri string, version int) (method string, params any, ok bool)

	mu        sync.Mutex
	clientIn  io.Reader
	serverOut io.Writer
	closed    chan struct{}
}

// Pipes returns the (clientWriter, clientReader) pair to hand to
// transport.Spawn-equivalent wiring: the test writes to clientWriter and
// reads from clientReader exactly like a real subprocess's stdin/stdout.
type Pipes struct {
	ClientWriter io.WriteCloser
	ClientReader io.ReadCloser
}

// NewServer constructs an unstarted mock server.
func NewServer() *Server {
	return &Server{
		Behaviors: make(map[string]Behavior),
		closed:    make(chan struct{}),
	}
}

// Start wires the server to a pair of pipes and begins servicing requests
// in a background goroutine. It returns the Pipes the caller-side Transport
// should use in place of a subprocess's stdin/stdout.
func (s *Server) Start() Pipes {
	clientOutR, clientOutW := io.Pipe() // client writes here, server reads
	serverOutR, serverOutW := io.Pipe() // server writes here, client reads

	s.clientIn = clientOutR
	s.serverOut = serverOutW

	go s.run(clientOutR, serverOutW)

	return Pipes{
		ClientWriter: clientOutW,
		ClientReader: serverOutR,
	}
}

func (s *Server) run(in io.Reader, out io.WriteCloser) {
	defer close(s.closed)
	// Closing our end of the output pipe on exit lets the client's reader
	// observe io.EOF instead of blocking forever once we stop servicing
	// requests (e.g. after an exit notification).
	defer out.Close()
	r := bufio.NewReader(in)
	var writeMu sync.Mutex

	for {
		raw, err := jsonrpc.DecodeFrame(r)
		if err != nil {
			return
		}

		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		isNotification := len(msg.ID) == 0 || string(msg.ID) == "null"

		if msg.Method == "exit" {
			return
		}

		behavior, configured := s.Behaviors[msg.Method]

		if configured && behavior.HangOn {
			continue
		}

		if msg.Method == "textDocument/didOpen" && s.PublishAfterOpen != nil {
			var params struct {
				TextDocument struct {
					URI     string `json:"uri"`
					Version int    `json:"version"`
				} `json:"textDocument"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			if method, notifParams, ok := s.PublishAfterOpen(params.TextDocument.URI, params.TextDocument.Version); ok {
				s.writeNotification(out, &writeMu, method, notifParams)
			}
		}

		if isNotification {
			continue
		}

		if configured && behavior.MalformedOn {
			writeMu.Lock()
			body := []byte("not valid json {")
			_ = jsonrpc.EncodeFrame(out, body)
			writeMu.Unlock()
			continue
		}

		if configured && behavior.ErrorOn {
			resp := jsonrpc.Response{
				JSONRPC: "2.0",
				ID:      msg.ID,
				Error: &jsonrpc.Error{
					Code:    behavior.ErrorCode,
					Message: behavior.ErrorMessage,
				},
			}
			s.writeResponse(out, &writeMu, resp)
			continue
		}

		result := json.RawMessage("null")
		if configured && behavior.Result != nil {
			result = behavior.Result
		} else if msg.Method == "initialize" {
			result = json.RawMessage(`{"capabilities":{"textDocumentSync":1,"hoverProvider":true,"completionProvider":{}},"serverInfo":{"name":"mock-lsp-server","version":"1.0.0"}}`)
		}

		resp := jsonrpc.Response{JSONRPC: "2.0", ID: msg.ID, Result: result}
		s.writeResponse(out, &writeMu, resp)
	}
}

func (s *Server) writeResponse(out io.Writer, writeMu *sync.Mutex, resp jsonrpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = jsonrpc.EncodeFrame(out, body)
}

func (s *Server) writeNotification(out io.Writer, writeMu *sync.Mutex, method string, params any) {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = jsonrpc.EncodeFrame(out, body)
}

// Wait blocks until the server's read loop exits (on exit notification or
// closed input), or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
