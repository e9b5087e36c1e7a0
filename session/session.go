// Package session owns a single virtual document against one backend
// language server: it tracks edit versions, normalizes backend response
// shapes, and bridges the LSP publishDiagnostics push model to a pull API
// via the diagnostics barrier in diagnostics.go.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/pool"
	"github.com/Mazyod/lsp-python-types/transport"
)

const (
	documentFileName          = "new.py"
	defaultDiagnosticsTimeout = 3 * time.Second
)

// initializedTransport is what a spawnFunc hands back: a transport that has
// already completed the initialize/initialized handshake, plus whatever
// semantic-token legend the server advertised in its initialize response
// (session falls back to the backend's hardcoded legend when this is
// empty). Bundling both lets Create pass a single value through pool.Pool,
// which only knows its entries as `any`.
type initializedTransport struct {
	Transport        *transport.Transport
	AdvertisedLegend dispatcher.SemanticTokensLegend
	HasLegend        bool
}

// spawnFunc builds a fully initialized transport for a backend: spawn the
// subprocess, send initialize, send initialized. Production code always
// uses spawnAndInitialize; tests substitute one that wires a mocklsp.Server
// through transport.NewFromPipes instead of os/exec.
type spawnFunc func(ctx context.Context, be backend.Backend, workspaceDir string, options backend.Options, logger *zap.Logger) (*initializedTransport, error)

// NewPool constructs a pool.Pool whose Destroyer matches the entry value
// type Create's factory produces. Callers that want transport recycling
// across sessions should build their Pool through this constructor rather
// than pool.New directly.
func NewPool(maxSize int, maxIdleTime, cleanupInterval time.Duration, logger *zap.Logger) *pool.Pool {
	return pool.New(maxSize, maxIdleTime, cleanupInterval, destroyInitializedTransport, logger)
}

func destroyInitializedTransport(ctx context.Context, entry any) error {
	it := entry.(*initializedTransport)
	return it.Transport.Stop(ctx)
}

// Session owns exactly one virtual document. It is not safe for concurrent
// use by more than one goroutine driving its public methods (per the
// concurrency model, a session is driven by a single task); the diagnostics
// tracker is the one piece of internal state that must also tolerate the
// transport's own background reader goroutine.
type Session struct {
	backend backend.Backend
	logger  *zap.Logger

	pool        *pool.Pool
	poolEntryID string
	transport   *transport.Transport
	client      *dispatcher.Client

	uri     string
	version atomic.Int64
	text    string
	opened  bool
	closed  bool

	diagnostics        *diagnosticsTracker
	diagCache          map[int][]dispatcher.Diagnostic
	diagnosticsTimeout time.Duration

	legend    *legendRemap
	rawLegend dispatcher.SemanticTokensLegend
}

// Create resolves basePath, writes the backend's config file, acquires a
// transport (from p if non-nil, otherwise a private one-off transport),
// performs the initialize/initialized handshake and workspace settings
// push, and opens the document at version 1 with initialCode. Any failure
// after a transport has been obtained releases it (back to the pool, or by
// stopping it outright) before the error is returned.
func Create(ctx context.Context, be backend.Backend, basePath string, initialCode string, options backend.Options, p *pool.Pool, logger *zap.Logger) (*Session, error) {
	return createWithFactory(ctx, be, basePath, initialCode, options, p, logger, spawnAndInitialize)
}

func createWithFactory(ctx context.Context, be backend.Backend, basePath string, initialCode string, options backend.Options, p *pool.Pool, logger *zap.Logger, spawn spawnFunc) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("session: resolve base path: %w", err)
	}

	if err := be.WriteConfig(absBase, options); err != nil {
		return nil, &ConfigurationError{Op: "write_config", Err: err}
	}

	docPath := filepath.Join(absBase, documentFileName)
	uri := "file://" + filepath.ToSlash(docPath)

	if be.RequiresFileOnDisk() {
		if err := os.WriteFile(docPath, []byte(initialCode), 0o644); err != nil {
			return nil, &ConfigurationError{Op: "write_document", Err: err}
		}
	}

	factory := func(ctx context.Context, key pool.Key) (any, error) {
		it, err := spawn(ctx, be, absBase, options, logger)
		if err != nil {
			return nil, err
		}
		return it, nil
	}

	usingPool := p != nil
	var it *initializedTransport
	var entryID string
	if usingPool {
		key := pool.Key{BackendID: be.ID(), WorkspacePath: absBase}
		id, value, err := p.Acquire(ctx, key, factory)
		if err != nil {
			return nil, err
		}
		entryID, it = id, value.(*initializedTransport)
	} else {
		value, err := factory(ctx, pool.Key{})
		if err != nil {
			return nil, err
		}
		it = value.(*initializedTransport)
	}
	tr := it.Transport

	release := func() {
		if usingPool {
			_ = p.Release(context.Background(), entryID)
		} else {
			_ = tr.Stop(context.Background())
		}
	}

	s := &Session{
		backend:            be,
		logger:             logger,
		pool:               p,
		poolEntryID:        entryID,
		transport:          tr,
		client:             dispatcher.New(tr),
		uri:                uri,
		text:               initialCode,
		diagCache:          make(map[int][]dispatcher.Diagnostic),
		diagnosticsTimeout: defaultDiagnosticsTimeout,
	}
	if it.HasLegend {
		s.rawLegend = it.AdvertisedLegend
		s.legend = buildLegendRemap(s.rawLegend)
	}
	s.version.Store(1)
	s.diagnostics = newDiagnosticsTracker(func() int { return int(s.version.Load()) }, logger)
	s.client.OnPublishDiagnostics(s.diagnostics.handlePublish)

	if err := s.client.DidChangeConfiguration(ctx, be.WorkspaceSettings(options)); err != nil {
		release()
		return nil, fmt.Errorf("session: apply workspace settings: %w", err)
	}

	if err := s.client.DidOpen(ctx, uri, be.LanguageID(), int(s.version.Load()), initialCode); err != nil {
		release()
		return nil, fmt.Errorf("session: open document: %w", err)
	}
	s.opened = true

	return s, nil
}

// spawnAndInitialize is the production spawnFunc: launch the backend's
// subprocess and complete the LSP handshake. Any handshake failure stops
// the freshly spawned process rather than leaving it orphaned.
func spawnAndInitialize(ctx context.Context, be backend.Backend, workspaceDir string, options backend.Options, logger *zap.Logger) (*initializedTransport, error) {
	launch, err := be.CreateProcessLaunchInfo(workspaceDir, options)
	if err != nil {
		return nil, &ConfigurationError{Op: "create_process_launch_info", Err: err}
	}

	tr, err := transport.Spawn(launch, logger)
	if err != nil {
		return nil, err
	}

	client := dispatcher.New(tr)
	root := "file://" + filepath.ToSlash(workspaceDir)
	result, err := client.Initialize(ctx, dispatcher.InitializeParams{
		RootURI:      root,
		Capabilities: be.ClientCapabilities(),
	})
	if err != nil {
		_ = tr.Stop(context.Background())
		return nil, fmt.Errorf("session: initialize: %w", err)
	}
	if err := client.Initialized(ctx); err != nil {
		_ = tr.Stop(context.Background())
		return nil, fmt.Errorf("session: initialized: %w", err)
	}

	legend, hasLegend := parseAdvertisedLegend(result.Capabilities)
	return &initializedTransport{Transport: tr, AdvertisedLegend: legend, HasLegend: hasLegend}, nil
}

// semanticTokensProviderOptions is the shape of ServerCapabilities'
// semanticTokensProvider when it is an object (rather than the boolean
// `true` some servers send before exposing a real legend).
type semanticTokensProviderOptions struct {
	Legend dispatcher.SemanticTokensLegend `json:"legend"`
}

func parseAdvertisedLegend(caps dispatcher.ServerCapabilities) (dispatcher.SemanticTokensLegend, bool) {
	if len(caps.SemanticTokensProvider) == 0 {
		return dispatcher.SemanticTokensLegend{}, false
	}
	var opts semanticTokensProviderOptions
	if err := json.Unmarshal(caps.SemanticTokensProvider, &opts); err != nil {
		return dispatcher.SemanticTokensLegend{}, false
	}
	if len(opts.Legend.TokenTypes) == 0 {
		return dispatcher.SemanticTokensLegend{}, false
	}
	return opts.Legend, true
}

// UpdateCode replaces the document's full text, incrementing its version.
// The diagnostics slot for the new version is considered armed the instant
// the version is incremented — before didChange is written — so a publish
// that the server fires in immediate response cannot be missed (see
// diagnostics.go for why arming needs no separate bookkeeping call).
func (s *Session) UpdateCode(ctx context.Context, text string) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}

	newVersion := int(s.version.Add(1))

	if s.backend.RequiresFileOnDisk() {
		docPath, err := s.diskPath()
		if err == nil {
			_ = os.WriteFile(docPath, []byte(text), 0o644)
		}
	}

	if err := s.client.DidChange(ctx, s.uri, newVersion, text); err != nil {
		return 0, fmt.Errorf("session: update code: %w", err)
	}
	s.text = text
	return newVersion, nil
}

func (s *Session) diskPath() (string, error) {
	u := s.uri
	const prefix = "file://"
	if len(u) < len(prefix) || u[:len(prefix)] != prefix {
		return "", fmt.Errorf("session: uri %q is not a file uri", u)
	}
	return filepath.FromSlash(u[len(prefix):]), nil
}

// GetDiagnostics answers with the diagnostics for the document's current
// version, per the barrier design in §4.6: an already-recorded payload for
// this version short-circuits everything else; a pull-capable backend is
// queried directly; otherwise the call blocks on the next matching publish
// up to a bounded timeout, falling back to the latest (possibly stale)
// payload recorded for any version and logging that fact. Once an answer
// has been produced for a version it is memoized, so repeated calls at the
// same version never re-await or re-query.
func (s *Session) GetDiagnostics(ctx context.Context) ([]dispatcher.Diagnostic, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	v := int(s.version.Load())

	if cached, ok := s.diagCache[v]; ok {
		return cached, nil
	}

	if payload, ok := s.diagnostics.peek(v); ok {
		s.diagCache[v] = payload
		return payload, nil
	}

	if s.backend.SupportsPullDiagnostics() {
		report, err := s.client.Diagnostic(ctx, s.uri)
		if err != nil {
			return nil, fmt.Errorf("session: pull diagnostics: %w", err)
		}
		s.diagCache[v] = report.Items
		return report.Items, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.diagnosticsTimeout)
	defer cancel()
	payload, stale, staleVersion, err := s.diagnostics.wait(waitCtx, v)
	if err != nil {
		return nil, err
	}
	if stale {
		s.logger.Warn("diagnostics timed out; serving stale payload",
			zap.String("uri", s.uri),
			zap.Int("requested_version", v),
			zap.Int("stale_version", staleVersion))
	}
	s.diagCache[v] = payload
	return payload, nil
}

// GetHoverInfo requests hover text at pos.
func (s *Session) GetHoverInfo(ctx context.Context, pos dispatcher.Position) (*dispatcher.Hover, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.client.Hover(ctx, s.uri, pos)
}

// GetSignatureHelp requests signature help at pos.
func (s *Session) GetSignatureHelp(ctx context.Context, pos dispatcher.Position) (*dispatcher.SignatureHelp, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.client.SignatureHelp(ctx, s.uri, pos)
}

// GetCompletion requests completion candidates at pos. triggerChar may be
// empty for an invoked (non-trigger-character) completion.
func (s *Session) GetCompletion(ctx context.Context, pos dispatcher.Position, triggerChar string) (dispatcher.CompletionList, error) {
	if s.closed {
		return dispatcher.CompletionList{}, ErrSessionClosed
	}
	return s.client.Completion(ctx, s.uri, pos, triggerChar)
}

// ResolveCompletion fills in extra detail for a completion item the server
// returned unresolved.
func (s *Session) ResolveCompletion(ctx context.Context, item dispatcher.CompletionItem) (dispatcher.CompletionItem, error) {
	if s.closed {
		return dispatcher.CompletionItem{}, ErrSessionClosed
	}
	return s.client.ResolveCompletion(ctx, item)
}

// GetRenameEdits requests the edits needed to rename the symbol at pos.
// The result is returned exactly as the backend shaped it (changes or
// documentChanges); session does not normalize between the two forms.
func (s *Session) GetRenameEdits(ctx context.Context, pos dispatcher.Position, newName string) (dispatcher.WorkspaceEdit, error) {
	if s.closed {
		return dispatcher.WorkspaceEdit{}, ErrSessionClosed
	}
	return s.client.Rename(ctx, s.uri, pos, newName)
}

// GetSemanticTokens requests the full semantic token stream. When normalize
// is true, token-type and token-modifier indices are remapped onto the
// canonical legend (see CanonicalLegend/BackendLegend); the positional
// (deltaLine, deltaStart, length) triple is always left untouched. The
// remap table is built once per session: by Create from the legend the
// server advertised on initialize, or, when it advertised none, on the
// first normalized call from the backend's hardcoded fallback.
func (s *Session) GetSemanticTokens(ctx context.Context, normalize bool) (dispatcher.SemanticTokens, error) {
	if s.closed {
		return dispatcher.SemanticTokens{}, ErrSessionClosed
	}
	tokens, err := s.client.SemanticTokensFull(ctx, s.uri)
	if err != nil {
		return dispatcher.SemanticTokens{}, err
	}
	if !normalize {
		return tokens, nil
	}

	if s.legend == nil {
		// Create already populated this from the server's initialize
		// response when it advertised one; this is the fallback for
		// backends that didn't.
		s.rawLegend = s.backend.SemanticTokensLegend()
		s.legend = buildLegendRemap(s.rawLegend)
	}
	tokens.Data = s.legend.remap(tokens.Data)
	return tokens, nil
}

// CanonicalLegend is the fixed, backend-independent legend GetSemanticTokens
// normalizes onto.
func (s *Session) CanonicalLegend() dispatcher.SemanticTokensLegend {
	return backend.CanonicalLegend()
}

// BackendLegend is the legend actually observed from (or hardcoded for) this
// session's backend. Create sets it when the server advertised a legend on
// initialize; otherwise it is empty until the first normalized
// semantic-token request fills it from the backend's hardcoded fallback.
func (s *Session) BackendLegend() dispatcher.SemanticTokensLegend {
	return s.rawLegend
}

// Shutdown releases the transport — back to the pool if one was used,
// otherwise by stopping it directly — and marks the session terminal.
// Subsequent operations fail with ErrSessionClosed. Safe to call more than
// once.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.pool != nil {
		return s.pool.Release(ctx, s.poolEntryID)
	}
	return s.transport.Stop(ctx)
}
