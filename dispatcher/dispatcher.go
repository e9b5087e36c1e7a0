// Package dispatcher is a strongly typed facade over transport.Transport:
// one method per LSP request or notification the core needs, standing in
// for the generated request/notification bindings a full LSP client would
// build from the protocol's JSON meta-model.
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/Mazyod/lsp-python-types/transport"
)

// Client wraps a transport.Transport with typed request/notification
// methods. It holds no state of its own beyond the transport.
type Client struct {
	t *transport.Transport
}

// New wraps t.
func New(t *transport.Transport) *Client {
	return &Client{t: t}
}

// Transport exposes the underlying transport for callers that need direct
// access (e.g. Arm for one-shot notification waiters).
func (c *Client) Transport() *transport.Transport {
	return c.t
}

func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Initialize sends the initialize request.
func (c *Client) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	raw, err := c.t.SendRequest(ctx, "initialize", params)
	if err != nil {
		return InitializeResult{}, err
	}
	var result InitializeResult
	if err := decodeInto(raw, &result); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// Initialized sends the initialized notification that completes the
// handshake.
func (c *Client) Initialized(ctx context.Context) error {
	return c.t.SendNotification(ctx, "initialized", struct{}{})
}

// DidChangeConfiguration pushes backend-specific workspace settings.
func (c *Client) DidChangeConfiguration(ctx context.Context, settings any) error {
	return c.t.SendNotification(ctx, "workspace/didChangeConfiguration", DidChangeConfigurationParams{Settings: settings})
}

// DidOpen notifies the server that a document is now open.
func (c *Client) DidOpen(ctx context.Context, uri, languageID string, version int, text string) error {
	return c.t.SendNotification(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: languageID, Version: version, Text: text},
	})
}

// DidChange notifies the server of a full-document replacement at version.
func (c *Client) DidChange(ctx context.Context, uri string, version int, text string) error {
	return c.t.SendNotification(ctx, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
}

// DidClose notifies the server that a document is no longer open.
func (c *Client) DidClose(ctx context.Context, uri string) error {
	return c.t.SendNotification(ctx, "textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// Hover requests hover information at a position.
func (c *Client) Hover(ctx context.Context, uri string, pos Position) (*Hover, error) {
	raw, err := c.t.SendRequest(ctx, "textDocument/hover", HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}
	var hover Hover
	if err := decodeInto(raw, &hover); err != nil {
		return nil, err
	}
	return &hover, nil
}

// Completion requests completion candidates at a position.
func (c *Client) Completion(ctx context.Context, uri string, pos Position, triggerChar string) (CompletionList, error) {
	var params CompletionParams
	params.TextDocument = TextDocumentIdentifier{URI: uri}
	params.Position = pos
	if triggerChar != "" {
		params.Context = &CompletionContext{TriggerKind: 2, TriggerCharacter: triggerChar}
	}

	raw, err := c.t.SendRequest(ctx, "textDocument/completion", params)
	if err != nil {
		return CompletionList{}, err
	}
	return decodeCompletionResult(raw)
}

// decodeCompletionResult handles both valid LSP completion response shapes:
// a bare CompletionItem array, or a CompletionList object.
func decodeCompletionResult(raw json.RawMessage) (CompletionList, error) {
	if string(raw) == "null" || len(raw) == 0 {
		return CompletionList{}, nil
	}
	var items []CompletionItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return CompletionList{Items: items}, nil
	}
	var list CompletionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return CompletionList{}, err
	}
	return list, nil
}

// ResolveCompletion fills in extra detail (documentation, additional edits)
// for a single completion item the server returned unresolved.
func (c *Client) ResolveCompletion(ctx context.Context, item CompletionItem) (CompletionItem, error) {
	raw, err := c.t.SendRequest(ctx, "completionItem/resolve", item)
	if err != nil {
		return CompletionItem{}, err
	}
	var resolved CompletionItem
	if err := decodeInto(raw, &resolved); err != nil {
		return CompletionItem{}, err
	}
	return resolved, nil
}

// SignatureHelp requests signature help at a position.
func (c *Client) SignatureHelp(ctx context.Context, uri string, pos Position) (*SignatureHelp, error) {
	raw, err := c.t.SendRequest(ctx, "textDocument/signatureHelp", SignatureHelpParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}
	var help SignatureHelp
	if err := decodeInto(raw, &help); err != nil {
		return nil, err
	}
	return &help, nil
}

// Rename requests the set of edits needed to rename the symbol at pos.
func (c *Client) Rename(ctx context.Context, uri string, pos Position, newName string) (WorkspaceEdit, error) {
	raw, err := c.t.SendRequest(ctx, "textDocument/rename", RenameParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		NewName: newName,
	})
	if err != nil {
		return WorkspaceEdit{}, err
	}
	var edit WorkspaceEdit
	if err := decodeInto(raw, &edit); err != nil {
		return WorkspaceEdit{}, err
	}
	return edit, nil
}

// SemanticTokensFull requests the full semantic token stream for a
// document.
func (c *Client) SemanticTokensFull(ctx context.Context, uri string) (SemanticTokens, error) {
	raw, err := c.t.SendRequest(ctx, "textDocument/semanticTokens/full", SemanticTokensParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		return SemanticTokens{}, err
	}
	var tokens SemanticTokens
	if err := decodeInto(raw, &tokens); err != nil {
		return SemanticTokens{}, err
	}
	return tokens, nil
}

// Diagnostic requests diagnostics via the pull model (textDocument/diagnostic).
// Only backends that advertise diagnosticProvider support this; others rely
// exclusively on the publishDiagnostics push notification.
func (c *Client) Diagnostic(ctx context.Context, uri string) (DocumentDiagnosticReport, error) {
	raw, err := c.t.SendRequest(ctx, "textDocument/diagnostic", DocumentDiagnosticParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		return DocumentDiagnosticReport{}, err
	}
	var report DocumentDiagnosticReport
	if err := decodeInto(raw, &report); err != nil {
		return DocumentDiagnosticReport{}, err
	}
	return report, nil
}

// OnPublishDiagnostics installs the persistent handler for server-pushed
// diagnostics. Only one handler is kept per transport; a later call replaces
// the earlier one. Session installs its diagnostics tracker here each time
// Create opens a session on a transport, including a recycled pooled one.
func (c *Client) OnPublishDiagnostics(handler func(PublishDiagnosticsParams)) {
	c.t.RegisterHandler("textDocument/publishDiagnostics", func(raw json.RawMessage) {
		var params PublishDiagnosticsParams
		if err := decodeInto(raw, &params); err != nil {
			return
		}
		handler(params)
	})
}

// ArmPublishDiagnostics registers a one-shot waiter for the next
// publishDiagnostics notification. Callers must arm before issuing the
// edit expected to provoke it.
func (c *Client) ArmPublishDiagnostics() *transport.Waiter {
	return c.t.Arm("textDocument/publishDiagnostics")
}

// Shutdown sends the shutdown request.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.t.SendRequest(ctx, "shutdown", nil)
	return err
}

// Exit sends the exit notification.
func (c *Client) Exit(ctx context.Context) error {
	return c.t.SendNotification(ctx, "exit", nil)
}
