package session

import (
	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/dispatcher"
)

// legendRemap translates a backend's semantic-token legend indices onto the
// fixed canonical legend, built once per session on first observation of the
// backend's legend and cached for the session's lifetime.
type legendRemap struct {
	// typeIndex[backendTypeIdx] -> canonical type index.
	typeIndex []int
	// modifierBit[backendBitPosition] -> canonical bit position, or -1 if
	// the backend modifier name has no canonical counterpart.
	modifierBit []int
}

func indexOf(list []string, name string) int {
	for i, v := range list {
		if v == name {
			return i
		}
	}
	return -1
}

// buildLegendRemap computes the index table once for a given backend legend.
// Any backend type or modifier name absent from the canonical legend maps to
// index/bit 0, per the normalization rule in §4.7.
func buildLegendRemap(backendLegend dispatcher.SemanticTokensLegend) *legendRemap {
	canonical := backend.CanonicalLegend()

	typeIndex := make([]int, len(backendLegend.TokenTypes))
	for i, name := range backendLegend.TokenTypes {
		if idx := indexOf(canonical.TokenTypes, name); idx >= 0 {
			typeIndex[i] = idx
		}
	}

	modifierBit := make([]int, len(backendLegend.TokenModifiers))
	for i, name := range backendLegend.TokenModifiers {
		modifierBit[i] = indexOf(canonical.TokenModifiers, name)
	}

	return &legendRemap{typeIndex: typeIndex, modifierBit: modifierBit}
}

// remap rewrites the token-type and token-modifier fields of every packed
// (deltaLine, deltaStart, length, tokenType, tokenModifiers) quintuple onto
// the canonical legend; the positional triple is copied through unchanged.
// A bitset bit whose backend modifier has no canonical counterpart still
// sets canonical bit 0 rather than being dropped, matching the literal
// "maps to index 0" normalization rule applied per-bit.
func (r *legendRemap) remap(data []int) []int {
	out := make([]int, len(data))
	copy(out, data)

	for i := 0; i+4 < len(out); i += 5 {
		typeIdx := out[i+3]
		if typeIdx >= 0 && typeIdx < len(r.typeIndex) {
			out[i+3] = r.typeIndex[typeIdx]
		} else {
			out[i+3] = 0
		}

		bitset := out[i+4]
		remapped := 0
		for bit := 0; bit < len(r.modifierBit); bit++ {
			if bitset&(1<<uint(bit)) == 0 {
				continue
			}
			target := r.modifierBit[bit]
			if target < 0 {
				target = 0
			}
			remapped |= 1 << uint(target)
		}
		out[i+4] = remapped
	}

	return out
}
