package assembler

import (
	"encoding/json"
	"strings"
)

// ResolveToolArgs parses a complete snapshot of tool arguments. An empty or
// blank snapshot resolves to an empty object. The second result is false when
// the snapshot is not yet valid JSON.
func ResolveToolArgs(snapshot string) (any, bool) {
	if strings.TrimSpace(snapshot) == "" {
		return map[string]any{}, true
	}
	var v any
	if err := json.Unmarshal([]byte(snapshot), &v); err != nil {
		return nil, false
	}
	return v, true
}

// toolArgs tracks the argument snapshots of one tool block. Each snapshot
// supersedes the previous one; parsed keeps the last snapshot that resolved.
type toolArgs struct {
	raw    string
	parsed any
	failed int
}

func newToolArgs() *toolArgs {
	return &toolArgs{parsed: map[string]any{}}
}

// apply replaces the raw snapshot and reports whether it parsed.
func (a *toolArgs) apply(snapshot string) bool {
	a.raw = snapshot
	v, ok := ResolveToolArgs(snapshot)
	if !ok {
		a.failed++
		return false
	}
	a.parsed = v
	return true
}
