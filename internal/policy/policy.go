// Package policy gates which commands an invocation may run. Operators use it
// to hand an agent read-only access (plan, runs) while keeping signing
// commands out of reach.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
)

// alwaysAllowed never touch keys or the network.
var alwaysAllowed = []string{"version", "schema"}

// CheckCommandAllowed reports whether commandPath is on the allowlist. An
// entry naming a command group ("runs") admits every subcommand of it.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	entries := make([]string, 0, len(allowlist)+len(alwaysAllowed))
	entries = append(append(entries, allowlist...), alwaysAllowed...)
	for _, allowed := range entries {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if path == entry || strings.HasPrefix(path, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", path))
}

// Signs reports whether commandPath can request signatures.
func Signs(commandPath string) bool {
	switch normalize(commandPath) {
	case "run", "execute":
		return true
	}
	return false
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
