package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/internal/mocklsp"
	"github.com/Mazyod/lsp-python-types/pool"
	"github.com/Mazyod/lsp-python-types/transport"
)

// fakeBackend is a minimal backend.Backend for exercising session mechanics
// without a real pyright/pyrefly/ty subprocess.
type fakeBackend struct {
	id           string
	requiresDisk bool
	supportsPull bool
	legend       dispatcher.SemanticTokensLegend
}

func (f fakeBackend) ID() string         { return f.id }
func (f fakeBackend) LanguageID() string { return "python" }
func (f fakeBackend) WriteConfig(string, backend.Options) error { return nil }
func (f fakeBackend) CreateProcessLaunchInfo(string, backend.Options) (transport.ProcessLaunchInfo, error) {
	return transport.ProcessLaunchInfo{}, nil
}
func (f fakeBackend) ClientCapabilities() dispatcher.ClientCapabilities {
	return dispatcher.ClientCapabilities{}
}
func (f fakeBackend) WorkspaceSettings(backend.Options) any { return map[string]any{} }
func (f fakeBackend) SemanticTokensLegend() dispatcher.SemanticTokensLegend {
	return f.legend
}
func (f fakeBackend) RequiresFileOnDisk() bool      { return f.requiresDisk }
func (f fakeBackend) SupportsPullDiagnostics() bool { return f.supportsPull }

var _ backend.Backend = fakeBackend{}

// mockSpawn wires an initializedTransport straight to server through
// transport.NewFromPipes, standing in for spawnAndInitialize's real
// os/exec + initialize handshake.
func mockSpawn(server *mocklsp.Server) spawnFunc {
	return func(ctx context.Context, be backend.Backend, workspaceDir string, options backend.Options, logger *zap.Logger) (*initializedTransport, error) {
		pipes := server.Start()
		tr := transport.NewFromPipes(pipes.ClientWriter, pipes.ClientReader, logger)
		client := dispatcher.New(tr)

		result, err := client.Initialize(ctx, dispatcher.InitializeParams{Capabilities: be.ClientCapabilities()})
		if err != nil {
			_ = tr.Stop(context.Background())
			return nil, err
		}
		if err := client.Initialized(ctx); err != nil {
			_ = tr.Stop(context.Background())
			return nil, err
		}
		legend, hasLegend := parseAdvertisedLegend(result.Capabilities)
		return &initializedTransport{Transport: tr, AdvertisedLegend: legend, HasLegend: hasLegend}, nil
	}
}

// failingSpawn simulates a handshake failure (e.g. the subprocess crashed
// before completing initialize) without touching mocklsp at all.
func failingSpawn(ctx context.Context, be backend.Backend, workspaceDir string, options backend.Options, logger *zap.Logger) (*initializedTransport, error) {
	return nil, context.DeadlineExceeded
}

func newTestSession(t *testing.T, server *mocklsp.Server, be backend.Backend, p *pool.Pool) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := createWithFactory(ctx, be, t.TempDir(), "print(1)\n", nil, p, nil, mockSpawn(server))
	if err != nil {
		t.Fatalf("createWithFactory: %v", err)
	}
	t.Cleanup(func() {
		_ = sess.Shutdown(context.Background())
	})
	return sess
}

func TestCreateOpensDocumentAtVersionOne(t *testing.T) {
	server := mocklsp.NewServer()
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	if v := int(sess.version.Load()); v != 1 {
		t.Fatalf("expected initial version 1, got %d", v)
	}
	if !sess.opened {
		t.Fatal("expected document marked opened after create")
	}
}

func TestUpdateCodeIncrementsVersionMonotonically(t *testing.T) {
	server := mocklsp.NewServer()
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	ctx := context.Background()
	v2, err := sess.UpdateCode(ctx, "print(2)\n")
	if err != nil {
		t.Fatalf("UpdateCode: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}
	v3, err := sess.UpdateCode(ctx, "print(3)\n")
	if err != nil {
		t.Fatalf("UpdateCode: %v", err)
	}
	if v3 != 3 {
		t.Fatalf("expected version 3, got %d", v3)
	}
}

func TestGetDiagnosticsReturnsPublishedPayloadForCurrentVersion(t *testing.T) {
	server := mocklsp.NewServer()
	server.PublishAfterOpen = func(uri string, version int) (string, any, bool) {
		return "textDocument/publishDiagnostics", map[string]any{
			"uri":     uri,
			"version": version,
			"diagnostics": []map[string]any{
				{"range": map[string]any{"start": map[string]any{"line": 0, "character": 0}, "end": map[string]any{"line": 0, "character": 1}}, "severity": 1, "message": "boom"},
			},
		}, true
	}
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	diags, err := sess.GetDiagnostics(ctx)
	if err != nil {
		t.Fatalf("GetDiagnostics: %v", err)
	}
	if len(diags) != 1 || diags[0].Message != "boom" {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}

	// Second call at the same version is memoized, not re-awaited.
	diags2, err := sess.GetDiagnostics(ctx)
	if err != nil {
		t.Fatalf("GetDiagnostics (memoized): %v", err)
	}
	if len(diags2) != 1 || diags2[0].Message != "boom" {
		t.Fatalf("unexpected memoized diagnostics: %+v", diags2)
	}
}

func TestGetDiagnosticsTimesOutWithNoPayloadEver(t *testing.T) {
	server := mocklsp.NewServer()
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)
	sess.diagnosticsTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sess.GetDiagnostics(ctx)
	if err != ErrDiagnosticsTimeout {
		t.Fatalf("expected ErrDiagnosticsTimeout, got %v", err)
	}
}

func TestGetDiagnosticsFallsBackToStalePayloadOnTimeout(t *testing.T) {
	server := mocklsp.NewServer()
	server.PublishAfterOpen = func(uri string, version int) (string, any, bool) {
		return "textDocument/publishDiagnostics", map[string]any{
			"uri":         uri,
			"version":     version,
			"diagnostics": []map[string]any{{"range": map[string]any{"start": map[string]any{"line": 0, "character": 0}, "end": map[string]any{"line": 0, "character": 1}}, "message": "stale"}},
		}, true
	}
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)
	sess.diagnosticsTimeout = 50 * time.Millisecond

	ctx := context.Background()

	// Consume the version-1 publish so it's no longer "current".
	if _, err := sess.GetDiagnostics(ctx); err != nil {
		t.Fatalf("GetDiagnostics v1: %v", err)
	}

	// Advance the version without the mock publishing again; the fallback
	// should serve the stale version-1 payload rather than erroring.
	if _, err := sess.UpdateCode(ctx, "print(2)\n"); err != nil {
		t.Fatalf("UpdateCode: %v", err)
	}

	diags, err := sess.GetDiagnostics(ctx)
	if err != nil {
		t.Fatalf("GetDiagnostics v2 (stale fallback): %v", err)
	}
	if len(diags) != 1 || diags[0].Message != "stale" {
		t.Fatalf("expected stale payload to be served, got %+v", diags)
	}
}

func TestHoverForwardsToMockResult(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/hover"] = mocklsp.Behavior{
		Result: json.RawMessage(`{"contents":{"kind":"markdown","value":"greet: str"}}`),
	}
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hover, err := sess.GetHoverInfo(ctx, dispatcher.Position{Line: 0, Character: 4})
	if err != nil {
		t.Fatalf("GetHoverInfo: %v", err)
	}
	if hover == nil || hover.Contents.Value != "greet: str" {
		t.Fatalf("unexpected hover: %+v", hover)
	}
}

func TestSemanticTokensNormalizeRemapsTypeAndModifierOnly(t *testing.T) {
	server := mocklsp.NewServer()
	// Backend legend: index 0 = "function" (canonical index of "function"
	// is 12), bit 0 = "static" (canonical bit of "static" is 3). Data:
	// (deltaLine=0, deltaStart=0, length=4, type=0, modifiers=0b1).
	server.Behaviors["textDocument/semanticTokens/full"] = mocklsp.Behavior{
		Result: json.RawMessage(`{"data":[0,0,4,0,1]}`),
	}
	be := fakeBackend{
		id: "fake",
		legend: dispatcher.SemanticTokensLegend{
			TokenTypes:     []string{"function"},
			TokenModifiers: []string{"static"},
		},
	}
	sess := newTestSession(t, server, be, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tokens, err := sess.GetSemanticTokens(ctx, true)
	if err != nil {
		t.Fatalf("GetSemanticTokens: %v", err)
	}
	if len(tokens.Data) != 5 {
		t.Fatalf("expected 5 ints, got %v", tokens.Data)
	}
	if tokens.Data[0] != 0 || tokens.Data[1] != 0 || tokens.Data[2] != 4 {
		t.Fatalf("positional triple must be unchanged: %v", tokens.Data)
	}
	canonical := backend.CanonicalLegend()
	wantType := indexOf(canonical.TokenTypes, "function")
	wantModBit := indexOf(canonical.TokenModifiers, "static")
	if tokens.Data[3] != wantType {
		t.Fatalf("expected remapped type %d, got %d", wantType, tokens.Data[3])
	}
	if tokens.Data[4] != 1<<uint(wantModBit) {
		t.Fatalf("expected remapped modifier bitset %d, got %d", 1<<uint(wantModBit), tokens.Data[4])
	}
}

func TestRenameReturnsEitherEditShapeUnmodified(t *testing.T) {
	server := mocklsp.NewServer()
	server.Behaviors["textDocument/rename"] = mocklsp.Behavior{
		Result: json.RawMessage(`{"changes":{"file:///a.py":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":3}},"newText":"foo"}]}}`),
	}
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	edit, err := sess.GetRenameEdits(ctx, dispatcher.Position{Line: 0, Character: 0}, "foo")
	if err != nil {
		t.Fatalf("GetRenameEdits: %v", err)
	}
	if len(edit.Changes["file:///a.py"]) != 1 {
		t.Fatalf("expected one edit in changes map, got %+v", edit)
	}
}

func TestShutdownMarksSessionClosed(t *testing.T) {
	server := mocklsp.NewServer()
	sess := newTestSession(t, server, fakeBackend{id: "fake"}, nil)

	if err := sess.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := sess.GetHoverInfo(context.Background(), dispatcher.Position{}); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed after shutdown, got %v", err)
	}
	// Idempotent.
	if err := sess.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestPoolReuseAcrossSessions(t *testing.T) {
	p := NewPool(2, time.Hour, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = p.Cleanup(context.Background()) })

	dir := t.TempDir()
	be := fakeBackend{id: "fake"}

	serverA := mocklsp.NewServer()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sessA, err := createWithFactory(ctx, be, dir, "a = 1\n", nil, p, nil, mockSpawn(serverA))
	if err != nil {
		t.Fatalf("createWithFactory A: %v", err)
	}
	if err := sessA.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown A: %v", err)
	}
	if got := p.AvailableCount(); got != 1 {
		t.Fatalf("expected 1 available entry after releasing A, got %d", got)
	}

	// A second factory that would fail if invoked, proving the pool
	// recycled serverA's transport instead of building a new one.
	sessB, err := createWithFactory(ctx, be, dir, "b = 2\n", nil, p, nil, failingSpawn)
	if err != nil {
		t.Fatalf("createWithFactory B should have reused the pooled entry: %v", err)
	}
	if got := p.CurrentSize(); got != 1 {
		t.Fatalf("expected pool size to remain 1 on reuse, got %d", got)
	}
	if err := sessB.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown B: %v", err)
	}
}

func TestCreateFailureRestoresPoolCapacity(t *testing.T) {
	p := NewPool(1, time.Hour, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = p.Cleanup(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := createWithFactory(ctx, fakeBackend{id: "fake"}, t.TempDir(), "x = 1\n", nil, p, nil, failingSpawn)
	if err == nil {
		t.Fatal("expected createWithFactory to fail")
	}
	if got := p.CurrentSize(); got != 0 {
		t.Fatalf("expected pool capacity restored after failed create, got size %d", got)
	}
}
