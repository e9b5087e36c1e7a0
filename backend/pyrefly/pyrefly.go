// Package pyrefly adapts Meta's pyrefly type checker (a Rust binary with
// built-in LSP support) to the backend.Backend contract. Options are
// written both to pyrefly.toml inside the workspace and mirrored onto the
// command line, matching PyreflySession.create in the reference
// implementation.
package pyrefly

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/transport"
)

const ID = "pyrefly"

const configFileName = "pyrefly.toml"

// Adapter implements backend.Backend for the pyrefly language server.
type Adapter struct{}

var _ backend.Backend = Adapter{}

func (Adapter) ID() string         { return ID }
func (Adapter) LanguageID() string { return "python" }

// WriteConfig serializes options to pyrefly.toml, transforming keys to
// kebab-case (indexing_mode -> indexing-mode) as the original key
// transform requires. Arbitrary unknown keys pass through.
func (Adapter) WriteConfig(workspaceDir string, options backend.Options) error {
	body, err := toml.Marshal(backend.KebabKeys(options))
	if err != nil {
		return fmt.Errorf("marshal pyrefly.toml: %w", err)
	}
	return os.WriteFile(filepath.Join(workspaceDir, configFileName), body, 0o644)
}

// CreateProcessLaunchInfo builds `pyrefly lsp` with the subset of options
// that pyrefly also accepts as CLI flags (verbose, threads, indexing-mode),
// mirroring how the reference session mirrors config onto the command
// line in addition to the TOML file.
func (Adapter) CreateProcessLaunchInfo(workspaceDir string, options backend.Options) (transport.ProcessLaunchInfo, error) {
	args := []string{"lsp"}

	if verbose, ok := options["verbose"].(bool); ok && verbose {
		args = append(args, "--verbose")
	}
	if threads, ok := numericOption(options["threads"]); ok {
		args = append(args, "--threads", strconv.Itoa(threads))
	}
	if mode, ok := options["indexing_mode"].(string); ok && mode != "" {
		args = append(args, "--indexing-mode", mode)
	}

	return transport.ProcessLaunchInfo{
		Command: "pyrefly",
		Args:    args,
		Dir:     workspaceDir,
	}, nil
}

func numericOption(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
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
		},
		Workspace: dispatcher.WorkspaceClientCapabilities{Configuration: true},
	}
}

// WorkspaceSettings forwards options verbatim under "settings"; pyrefly's
// workspace/didChangeConfiguration support is partial, so this is
// best-effort the way the reference session treats it.
func (Adapter) WorkspaceSettings(options backend.Options) any {
	return options
}

// SemanticTokensLegend: pyrefly's LSP implementation is still evolving and
// may omit the legend on initialize; this hardcoded fallback matches the
// token set pyrefly's rust analyzer core is documented to emit.
func (Adapter) SemanticTokensLegend() dispatcher.SemanticTokensLegend {
	return dispatcher.SemanticTokensLegend{
		TokenTypes: []string{
			"namespace", "class", "enum", "interface", "struct", "type",
			"parameter", "variable", "property", "function", "method",
			"keyword", "comment", "string", "number", "operator",
		},
		TokenModifiers: []string{"declaration", "readonly", "static"},
	}
}

func (Adapter) RequiresFileOnDisk() bool      { return false }
func (Adapter) SupportsPullDiagnostics() bool { return false }
