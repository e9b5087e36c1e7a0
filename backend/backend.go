// Package backend defines the per-analyzer strategy that lets session stay
// backend-agnostic: how to launch the process, how to write its config
// file, what capabilities to advertise, and how to normalize its quirks
// (legend remapping, on-disk file requirements).
package backend

import (
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/transport"
)

// Options carries arbitrary backend-specific settings, mirroring the
// original Python implementation's plain `options: dict` shape. Keys are
// snake_case at the call site; adapters that write TOML or CLI flags
// transform them to kebab-case via ToKebabCase.
type Options map[string]any

// Backend is a stateless per-analyzer strategy. Each method is pure with
// respect to backend identity; all per-workspace state lives in the
// caller (session/pool), never in the Backend value itself.
type Backend interface {
	// ID names the backend for pool keys and logging ("pyright", "pyrefly", "ty").
	ID() string

	// LanguageID is the languageId advertised in textDocument/didOpen.
	LanguageID() string

	// WriteConfig serializes options to the backend's native config file
	// inside workspaceDir, if the backend has one. A no-op for backends
	// (like pyright) with no project-level config file.
	WriteConfig(workspaceDir string, options Options) error

	// CreateProcessLaunchInfo returns the command, arguments, and working
	// directory used to spawn the backend's language server.
	CreateProcessLaunchInfo(workspaceDir string, options Options) (transport.ProcessLaunchInfo, error)

	// ClientCapabilities is advertised on the initialize request.
	ClientCapabilities() dispatcher.ClientCapabilities

	// WorkspaceSettings is the payload sent via
	// workspace/didChangeConfiguration immediately after initialized.
	WorkspaceSettings(options Options) any

	// SemanticTokensLegend is used when the backend's initialize response
	// omits semanticTokensProvider.legend (some backends only expose the
	// legend once a real document request is made).
	SemanticTokensLegend() dispatcher.SemanticTokensLegend

	// RequiresFileOnDisk reports whether session must mirror document text
	// to a real file on every edit, for backends that resolve imports or
	// on-disk state rather than trusting didChange alone.
	RequiresFileOnDisk() bool

	// SupportsPullDiagnostics reports whether textDocument/diagnostic may
	// be used instead of waiting on publishDiagnostics.
	SupportsPullDiagnostics() bool
}

// defaultClientCapabilities is a full capability set that also advertises
// the canonical semantic-token legend. The adapters in backend/pyright,
// backend/pyrefly and backend/ty do not call it; each builds its own.
func defaultClientCapabilities() dispatcher.ClientCapabilities {
	return dispatcher.ClientCapabilities{
		TextDocument: dispatcher.TextDocumentClientCapabilities{
			Synchronization: dispatcher.TextDocumentSyncClientCapabilities{DidSave: true},
			Hover: dispatcher.HoverClientCapabilities{
				ContentFormat: []string{"markdown", "plaintext"},
			},
			Completion: dispatcher.CompletionClientCapabilities{
				CompletionItem: dispatcher.CompletionItemClientCapabilities{
					SnippetSupport:      true,
					DocumentationFormat: []string{"markdown", "plaintext"},
				},
			},
			SignatureHelp: dispatcher.SignatureHelpClientCapabilities{},
			Rename:        dispatcher.RenameClientCapabilities{PrepareSupport: false},
			SemanticTokens: dispatcher.SemanticTokensClientCapabilities{
				Requests:       dispatcher.SemanticTokensRequestsCaps{Full: true},
				TokenTypes:     canonicalTokenTypes,
				TokenModifiers: canonicalTokenModifiers,
				Formats:        []string{"relative"},
			},
			Diagnostic: dispatcher.DiagnosticClientCapabilities{},
		},
		Workspace: dispatcher.WorkspaceClientCapabilities{Configuration: true},
	}
}

// canonicalTokenTypes and canonicalTokenModifiers define the fixed legend
// session normalizes every backend's semantic tokens onto, per spec.md
// §4.7. Order matters: a token's packed index into these slices is part of
// the wire format session emits to callers.
var canonicalTokenTypes = []string{
	"namespace", "type", "class", "enum", "interface", "struct",
	"typeParameter", "parameter", "variable", "property", "enumMember",
	"event", "function", "method", "macro", "keyword", "modifier",
	"comment", "string", "number", "regexp", "operator", "decorator",
}

var canonicalTokenModifiers = []string{
	"declaration", "definition", "readonly", "static", "deprecated",
	"abstract", "async", "modification", "documentation", "defaultLibrary",
}

// CanonicalLegend is the fixed legend every backend's tokens are remapped
// onto before reaching session callers.
func CanonicalLegend() dispatcher.SemanticTokensLegend {
	return dispatcher.SemanticTokensLegend{
		TokenTypes:     append([]string(nil), canonicalTokenTypes...),
		TokenModifiers: append([]string(nil), canonicalTokenModifiers...),
	}
}
