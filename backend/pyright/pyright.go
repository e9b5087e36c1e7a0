// Package pyright adapts Microsoft's pyright-langserver, the reference
// Python type checker, to the backend.Backend contract. Pyright has no
// project-level config file in this harness's scope (it reads
// pyrightconfig.json/pyproject.toml from disk itself); its options travel
// exclusively through workspace/didChangeConfiguration.
package pyright

import (
	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/transport"
)

const ID = "pyright"

// Adapter implements backend.Backend for pyright-langserver.
type Adapter struct{}

var _ backend.Backend = Adapter{}

func (Adapter) ID() string         { return ID }
func (Adapter) LanguageID() string { return "python" }

// WriteConfig is a no-op: pyright takes its configuration from
// pyrightconfig.json/pyproject.toml already on disk, not from anything
// this harness writes.
func (Adapter) WriteConfig(workspaceDir string, options backend.Options) error {
	return nil
}

func (Adapter) CreateProcessLaunchInfo(workspaceDir string, options backend.Options) (transport.ProcessLaunchInfo, error) {
	return transport.ProcessLaunchInfo{
		Command: "pyright-langserver",
		Args:    []string{"--stdio"},
		Dir:     workspaceDir,
	}, nil
}

func (Adapter) ClientCapabilities() dispatcher.ClientCapabilities {
	return defaultCapabilities()
}

// WorkspaceSettings forwards options under the "python" settings key,
// matching pyright's expected workspace/didChangeConfiguration shape
// (python.analysis.* settings).
func (Adapter) WorkspaceSettings(options backend.Options) any {
	return map[string]any{
		"python": map[string]any{
			"analysis": options,
		},
	}
}

// SemanticTokensLegend returns pyright's documented legend order. Pyright
// does advertise semanticTokensProvider.legend on initialize; this is the
// fallback session uses only if that field is ever missing.
func (Adapter) SemanticTokensLegend() dispatcher.SemanticTokensLegend {
	return dispatcher.SemanticTokensLegend{
		TokenTypes: []string{
			"class", "decorator", "function", "method", "parameter",
			"property", "selfParameter", "clsParameter", "variable",
			"typeParameter", "type", "builtinConstant", "module",
		},
		TokenModifiers: []string{
			"declaration", "readonly", "typeHint", "typeHintComment",
		},
	}
}

// RequiresFileOnDisk is false: pyright trusts didOpen/didChange content
// without needing the document mirrored to a real file.
func (Adapter) RequiresFileOnDisk() bool { return false }

// SupportsPullDiagnostics is false: pyright-langserver relies on the
// publishDiagnostics push model exclusively.
func (Adapter) SupportsPullDiagnostics() bool { return false }

func defaultCapabilities() dispatcher.ClientCapabilities {
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
			Rename:        dispatcher.RenameClientCapabilities{},
			SemanticTokens: dispatcher.SemanticTokensClientCapabilities{
				Requests: dispatcher.SemanticTokensRequestsCaps{Full: true},
				Formats:  []string{"relative"},
			},
			Diagnostic: dispatcher.DiagnosticClientCapabilities{},
		},
		Workspace: dispatcher.WorkspaceClientCapabilities{Configuration: true},
	}
}
