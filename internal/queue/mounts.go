package queue

import (
	"fmt"
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/sandbox"
)

// resolveExtraMounts parses a ChatDefinition's "source:target" or
// "source:target:ro" strings and validates each against the mount
// allowlist (spec §4.5). A denial here is a policy denial, not a
// transient sandbox problem, so callers wrap the error in a
// permanentError to skip the normal retry budget.
func resolveExtraMounts(specs []string, allowlist []string) ([]sandbox.Mount, error) {
	mounts := make([]sandbox.Mount, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("extra mount %q: expected source:target[:ro]", spec)
		}
		readOnly := len(parts) == 3 && parts[2] == "ro"
		m, err := sandbox.ResolveMount(parts[0], parts[1], readOnly, allowlist)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
