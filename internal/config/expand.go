package config

import (
	"errors"
	"fmt"
	"strings"
)

// expandValue replaces every ${VAR} reference in s using lookup. It
// returns the expanded string and whether any reference was replaced.
// A bare $VAR without braces passes through untouched.
func expandValue(s string, lookup func(string) (string, bool)) (string, bool, error) {
	if !strings.Contains(s, "${") {
		return s, false, nil
	}

	var b strings.Builder
	expanded := false
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		rest := s[i+2:]
		j := strings.Index(rest, "}")
		if j < 0 {
			return "", false, errors.New("unterminated ${ reference")
		}
		name := rest[:j]
		if name == "" {
			return "", false, errors.New("empty ${} reference")
		}
		val, ok := lookup(name)
		if !ok {
			return "", false, fmt.Errorf("environment variable %q is not set", name)
		}
		b.WriteString(val)
		expanded = true
		s = rest[j+1:]
	}
	return b.String(), expanded, nil
}

// resolveAPIKey resolves a provider's API key. An explicit value wins,
// with ${VAR} expansion applied; otherwise the conventional
// ARBSTR_<NAME>_API_KEY variable is consulted. No key anywhere is not an
// error; some providers are unauthenticated.
func resolveAPIKey(providerName, raw string, lookup func(string) (string, bool)) (Secret, KeySource, error) {
	if raw != "" {
		val, expanded, err := expandValue(raw, lookup)
		if err != nil {
			return Secret{}, KeySourceNone, err
		}
		if expanded {
			return NewSecret(val), KeySourceEnvExpanded, nil
		}
		return NewSecret(val), KeySourceLiteral, nil
	}

	env := conventionVar(providerName)
	if val, ok := lookup(env); ok && val != "" {
		return NewSecret(val), ConventionKeySource(env), nil
	}
	return Secret{}, KeySourceNone, nil
}

// conventionVar derives the conventional API key variable for a provider
// name: upper-cased, with hyphens and spaces folded to underscores.
// "groq-cheap" becomes ARBSTR_GROQ_CHEAP_API_KEY.
func conventionVar(name string) string {
	up := strings.ToUpper(name)
	up = strings.NewReplacer("-", "_", " ", "_").Replace(up)
	return "ARBSTR_" + up + "_API_KEY"
}
