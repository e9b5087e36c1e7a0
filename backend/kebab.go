package backend

import "strings"

// ToKebabCase lowers s and replaces underscores with hyphens, matching how
// pyrefly and ty's TOML configs and CLI flags name options that the
// original Python dict used snake_case for (e.g. indexing_mode ->
// indexing-mode). Keys that are already hyphenated or lowercase pass
// through unchanged.
func ToKebabCase(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

// KebabKeys returns a shallow copy of opts with every top-level key run
// through ToKebabCase. Unknown keys pass through transformed but
// otherwise untouched, per spec.md §4.8.
func KebabKeys(opts Options) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		out[ToKebabCase(k)] = v
	}
	return out
}
