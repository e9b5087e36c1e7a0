package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/dispatcher"
)

// diagnosticsTracker converts publishDiagnostics's async push model into a
// pull API that answers with the payload for a specific document version.
//
// Every publish is recorded unconditionally, indexed by version, whether or
// not a caller is currently waiting for it. That is what makes the "arm
// before edit" discipline in Session.UpdateCode safe even though arming
// itself does no bookkeeping: a publish that beats the waiter into existence
// is still captured in byVersion and satisfies a get_diagnostics call that
// looks it up afterward.
type diagnosticsTracker struct {
	mu            sync.Mutex
	byVersion     map[int][]dispatcher.Diagnostic
	signal        chan struct{}
	latestVersion int
	latestPayload []dispatcher.Diagnostic
	hasLatest     bool

	currentVersion func() int
	logger         *zap.Logger
}

func newDiagnosticsTracker(currentVersion func() int, logger *zap.Logger) *diagnosticsTracker {
	return &diagnosticsTracker{
		byVersion:      make(map[int][]dispatcher.Diagnostic),
		signal:         make(chan struct{}),
		currentVersion: currentVersion,
		logger:         logger,
	}
}

// handlePublish is installed as the transport's persistent publishDiagnostics
// handler. Backends that omit the version field have their payload stamped
// with the client's current version at receipt time.
func (t *diagnosticsTracker) handlePublish(params dispatcher.PublishDiagnosticsParams) {
	v := t.currentVersion()
	if params.Version != nil {
		v = *params.Version
	}

	t.mu.Lock()
	t.byVersion[v] = params.Diagnostics
	t.latestVersion = v
	t.latestPayload = params.Diagnostics
	t.hasLatest = true
	close(t.signal)
	t.signal = make(chan struct{})
	t.mu.Unlock()
}

// peek returns the recorded payload for v without blocking.
func (t *diagnosticsTracker) peek(v int) ([]dispatcher.Diagnostic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload, ok := t.byVersion[v]
	return payload, ok
}

// wait blocks until a publish for v is recorded or ctx is done. On a done
// context it falls back to the most recent payload recorded for any
// version, if one exists, and reports that the result is stale so the
// caller can log it; with nothing recorded at all it returns
// ErrDiagnosticsTimeout.
func (t *diagnosticsTracker) wait(ctx context.Context, v int) (payload []dispatcher.Diagnostic, stale bool, staleVersion int, err error) {
	for {
		t.mu.Lock()
		if p, ok := t.byVersion[v]; ok {
			t.mu.Unlock()
			return p, false, 0, nil
		}
		sig := t.signal
		t.mu.Unlock()

		select {
		case <-sig:
			continue
		case <-ctx.Done():
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.hasLatest {
				return t.latestPayload, true, t.latestVersion, nil
			}
			return nil, false, 0, ErrDiagnosticsTimeout
		}
	}
}
