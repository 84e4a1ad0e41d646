package agent

import (
	"regexp"
	"strings"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const variablePrefix = "Kraken."

var variableScopes = []string{"Step", "Project", "Environment"}

// variableTokenPattern matches $Kraken.{scope}.{key}; keys may be dotted
// (artifact entries like myapp.BasePath).
var variableTokenPattern = regexp.MustCompile(`\$Kraken\.(Step|Project|Environment)\.((?:[A-Za-z0-9_]+\.)*[A-Za-z0-9_]+)`)

// ResolveVariables substitutes every $Kraken.{scope}.{key} token in script.
// The same bare key defined in multiple scopes resolves with precedence
// Step > Project > Environment; unscoped entries are the fallback. Unknown
// keys stay textually unchanged. Substitution is a single pass over token
// positions, so values are never re-scanned.
func ResolveVariables(script string, variables map[string]protocol.VariableValue) string {
	if len(variables) == 0 {
		return script
	}
	effective := flattenVariables(variables)

	matches := variableTokenPattern.FindAllStringSubmatchIndex(script, -1)
	if len(matches) == 0 {
		return script
	}

	var out strings.Builder
	out.Grow(len(script))
	last := 0
	for _, m := range matches {
		tokenStart, tokenEnd := m[0], m[1]
		keyStart, keyEnd := m[4], m[5]
		key := script[keyStart:keyEnd]

		value, matchedLen, ok := lookupLongest(effective, key)
		if !ok {
			continue
		}
		out.WriteString(script[last:tokenStart])
		out.WriteString(value)
		// A trimmed dotted key leaves its unmatched tail in place.
		out.WriteString(script[keyStart+matchedLen : tokenEnd])
		last = tokenEnd
	}
	out.WriteString(script[last:])
	return out.String()
}

// flattenVariables reduces the scoped variable map to bare key → value under
// the Step > Project > Environment precedence.
func flattenVariables(variables map[string]protocol.VariableValue) map[string]string {
	effective := map[string]string{}

	// Unscoped entries seed the map; scoped entries override below.
	for rawKey, v := range variables {
		key := strings.TrimPrefix(rawKey, variablePrefix)
		if _, _, scoped := splitScope(key); !scoped {
			effective[key] = v.Value
		}
	}
	// Apply scopes lowest precedence first so Step lands last.
	for i := len(variableScopes) - 1; i >= 0; i-- {
		scope := variableScopes[i]
		for rawKey, v := range variables {
			key := strings.TrimPrefix(rawKey, variablePrefix)
			if s, bare, scoped := splitScope(key); scoped && s == scope {
				effective[bare] = v.Value
			}
		}
	}
	return effective
}

func splitScope(key string) (scope, bare string, ok bool) {
	head, rest, found := strings.Cut(key, ".")
	if !found || rest == "" {
		return "", "", false
	}
	for _, s := range variableScopes {
		if head == s {
			return s, rest, true
		}
	}
	return "", "", false
}

// lookupLongest tries the full dotted key first, then progressively drops
// trailing segments, so "$Kraken.Step.Port.txt" still resolves Port when no
// variable named Port.txt exists. Returns the value and how much of key
// matched.
func lookupLongest(effective map[string]string, key string) (value string, matchedLen int, ok bool) {
	candidate := key
	for {
		if v, found := effective[candidate]; found {
			return v, len(candidate), true
		}
		idx := strings.LastIndexByte(candidate, '.')
		if idx <= 0 {
			return "", 0, false
		}
		candidate = candidate[:idx]
	}
}
