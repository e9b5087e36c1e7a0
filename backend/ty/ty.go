// Package ty adapts Astral's ty type checker to the backend.Backend
// contract. ty is launched as `ty server` and, like pyrefly, takes a
// project-level TOML config file in addition to whatever
// workspace/didChangeConfiguration settings the server accepts.
package ty

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/transport"
)

const ID = "ty"

const configFileName = "ty.toml"

// Adapter implements backend.Backend for `ty server`.
type Adapter struct{}

var _ backend.Backend = Adapter{}

func (Adapter) ID() string         { return ID }
func (Adapter) LanguageID() string { return "python" }

// WriteConfig serializes options to ty.toml under a [src] table, kebab-casing
// keys the same way pyrefly does (e.g. python_version -> python-version).
func (Adapter) WriteConfig(workspaceDir string, options backend.Options) error {
	doc := map[string]any{"src": backend.KebabKeys(options)}
	body, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ty.toml: %w", err)
	}
	return os.WriteFile(filepath.Join(workspaceDir, configFileName), body, 0o644)
}

// CreateProcessLaunchInfo runs `ty server`; unlike pyrefly, ty takes no
// corresponding CLI mirror of its config options, relying on ty.toml and
// workspace/didChangeConfiguration exclusively.
func (Adapter) CreateProcessLaunchInfo(workspaceDir string, options backend.Options) (transport.ProcessLaunchInfo, error) {
	return transport.ProcessLaunchInfo{
		Command: "ty",
		Args:    []string{"server"},
		Dir:     workspaceDir,
	}, nil
}

func (Adapter) ClientCapabilities() dispatcher.ClientCapabilities {
	return dispatcher.ClientCapabilities{
		TextDocument: dispatcher.TextDocumentClientCapabilities{
			Synchronization: dispatcher.TextDocumentSyncClientCapabilities{DidSave: true},
			Hover: dispatcher.HoverClientCapabilities{
				ContentFormat: []string{"markdown", "plaintext"},
			},
			Completion:    dispatcher.CompletionClientCapabilities{},
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

// WorkspaceSettings forwards options under a "ty" namespace, matching ty's
// documented workspace/didChangeConfiguration shape.
func (Adapter) WorkspaceSettings(options backend.Options) any {
	return map[string]any{"ty": options}
}

// SemanticTokensLegend is a conservative fallback; ty's own legend, when
// advertised, takes precedence over this.
func (Adapter) SemanticTokensLegend() dispatcher.SemanticTokensLegend {
	return dispatcher.SemanticTokensLegend{
		TokenTypes: []string{
			"namespace", "class", "enum", "type", "parameter", "variable",
			"property", "function", "method", "keyword", "comment",
			"string", "number", "operator",
		},
		TokenModifiers: []string{"declaration", "readonly"},
	}
}

func (Adapter) RequiresFileOnDisk() bool { return false }

// SupportsPullDiagnostics is true: ty implements textDocument/diagnostic,
// which session prefers over waiting on publishDiagnostics when available.
func (Adapter) SupportsPullDiagnostics() bool { return true }
