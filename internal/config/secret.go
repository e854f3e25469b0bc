package config

import (
	"fmt"
	"log/slog"
)

// Redacted is what a Secret renders as anywhere it could leak.
const Redacted = "[REDACTED]"

// Secret wraps a sensitive string so it cannot escape through fmt verbs,
// JSON marshalling or structured logs. Call Value to get the real thing.
type Secret struct {
	value string
}

// NewSecret wraps v.
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Value returns the underlying secret.
func (s Secret) Value() string { return s.value }

// IsZero reports whether no secret is held.
func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string   { return Redacted }
func (s Secret) GoString() string { return Redacted }

// LogValue makes slog render the secret redacted even with %+v expansion.
func (s Secret) LogValue() slog.Value { return slog.StringValue(Redacted) }

// MarshalText redacts the secret in JSON and text encodings.
func (s Secret) MarshalText() ([]byte, error) { return []byte(Redacted), nil }

// Masked returns a prefix-preserving form suitable for the providers
// listing: the first six characters followed by "...***". Short secrets
// are fully redacted since a prefix would give most of them away.
func (s Secret) Masked() string {
	if len(s.value) < 10 {
		return Redacted
	}
	return s.value[:6] + "...***"
}

// KeySource records where a provider API key was found. The zero value
// means no key was configured.
type KeySource struct {
	kind string
	env  string
}

var (
	// KeySourceLiteral marks a key written directly in the TOML file.
	KeySourceLiteral = KeySource{kind: "config-literal"}

	// KeySourceEnvExpanded marks a key built from ${VAR} expansion.
	KeySourceEnvExpanded = KeySource{kind: "env-expanded"}

	// KeySourceNone marks a provider with no key at all.
	KeySourceNone = KeySource{}
)

// ConventionKeySource marks a key found via the ARBSTR_<NAME>_API_KEY
// convention, recording which variable supplied it.
func ConventionKeySource(env string) KeySource {
	return KeySource{kind: "convention", env: env}
}

func (k KeySource) String() string {
	switch k.kind {
	case "":
		return "none"
	case "convention":
		return fmt.Sprintf("convention (%s)", k.env)
	default:
		return k.kind
	}
}

// MarshalText lets KeySource serialize as its display form in JSON.
func (k KeySource) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
