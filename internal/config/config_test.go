package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// loadTOML parses a TOML document through the same code path Load uses,
// with a fake environment for deterministic ${VAR} resolution.
func loadTOML(t *testing.T, doc string, env map[string]string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	applyDefaults(v)
	return fromViper(v, func(name string) (string, bool) {
		val, ok := env[name]
		return val, ok
	})
}

const minimalTOML = `
[[providers]]
name = "alpha"
url = "https://alpha.example.com/v1"
api_key = "sk-alpha-0123456789"
models = ["gpt-test"]
input_rate = 10
output_rate = 30
base_fee = 1
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadTOML(t, minimalTOML, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("server.listen = %q, want 127.0.0.1:8080", cfg.Server.Listen)
	}
	if cfg.Server.ManagementListen != "127.0.0.1:9090" {
		t.Errorf("server.management_listen = %q, want 127.0.0.1:9090", cfg.Server.ManagementListen)
	}
	if cfg.Database.Path != "./arbstr.db" {
		t.Errorf("database.path = %q, want ./arbstr.db", cfg.Database.Path)
	}
	if cfg.Policies.DefaultStrategy != "cheapest" {
		t.Errorf("default_strategy = %q, want cheapest", cfg.Policies.DefaultStrategy)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q, want info", cfg.Logging.Level)
	}
	if !cfg.Logging.LogRequests {
		t.Error("logging.log_requests should default to true")
	}
}

func TestLoadFullDocument(t *testing.T) {
	doc := `
[server]
listen = "0.0.0.0:9000"
management_listen = "0.0.0.0:9001"

[database]
path = "/tmp/test-arbstr.db"

[[providers]]
name = "alpha"
url = "https://alpha.example.com/v1"
api_key = "sk-alpha-0123456789"
models = ["gpt-small", "gpt-large"]
input_rate = 10
output_rate = 30
base_fee = 1

[[providers]]
name = "beta"
url = "https://beta.example.com/v1"
models = ["gpt-small"]
input_rate = 5
output_rate = 15

[policies]
default_strategy = "cheapest"

[[policies.rules]]
name = "cheap"
allowed_models = ["gpt-small"]
strategy = "cheapest"
max_sats_per_1k_output = 50
keywords = ["quick", "simple"]

[[policies.rules]]
name = "quality"
allowed_models = ["gpt-large"]

[logging]
level = "debug"
log_requests = false
`
	cfg, err := loadTOML(t, doc, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("server.listen = %q", cfg.Server.Listen)
	}
	if got := len(cfg.Providers); got != 2 {
		t.Fatalf("providers = %d, want 2", got)
	}
	// Configuration order must be preserved: it breaks routing-cost ties.
	if cfg.Providers[0].Name != "alpha" || cfg.Providers[1].Name != "beta" {
		t.Errorf("provider order = %s, %s", cfg.Providers[0].Name, cfg.Providers[1].Name)
	}
	alpha := cfg.Providers[0]
	if alpha.InputRate != 10 || alpha.OutputRate != 30 || alpha.BaseFee != 1 {
		t.Errorf("alpha rates = %d/%d/%d", alpha.InputRate, alpha.OutputRate, alpha.BaseFee)
	}
	if alpha.APIKey.Value() != "sk-alpha-0123456789" {
		t.Error("alpha api key not preserved")
	}
	if alpha.KeySource != KeySourceLiteral {
		t.Errorf("alpha key source = %s, want config-literal", alpha.KeySource)
	}
	beta := cfg.Providers[1]
	if !beta.APIKey.IsZero() {
		t.Error("beta should have no api key")
	}
	if beta.KeySource != KeySourceNone {
		t.Errorf("beta key source = %s, want none", beta.KeySource)
	}
	if beta.BaseFee != 0 {
		t.Errorf("beta base_fee = %d, want 0", beta.BaseFee)
	}

	if got := len(cfg.Policies.Rules); got != 2 {
		t.Fatalf("rules = %d, want 2", got)
	}
	cheap := cfg.Policies.Rules[0]
	if cheap.MaxSatsPer1kOutput == nil || *cheap.MaxSatsPer1kOutput != 50 {
		t.Errorf("cheap cap = %v, want 50", cheap.MaxSatsPer1kOutput)
	}
	if len(cheap.Keywords) != 2 || cheap.Keywords[0] != "quick" {
		t.Errorf("cheap keywords = %v", cheap.Keywords)
	}
	if cfg.Policies.Rules[1].MaxSatsPer1kOutput != nil {
		t.Error("quality should have no cost cap")
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.LogRequests {
		t.Errorf("logging = %q/%v", cfg.Logging.Level, cfg.Logging.LogRequests)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbstr.toml")
	doc := `
[[providers]]
name = "env-prov"
url = "${ARBSTR_TEST_BASE_URL}/v1"
api_key = "${ARBSTR_TEST_KEY}"
output_rate = 7
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("ARBSTR_TEST_BASE_URL", "https://env.example.com")
	t.Setenv("ARBSTR_TEST_KEY", "sk-from-env-123456")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Providers[0]
	if p.URL != "https://env.example.com/v1" {
		t.Errorf("url = %q", p.URL)
	}
	if p.APIKey.Value() != "sk-from-env-123456" {
		t.Error("api key not expanded")
	}
	if p.KeySource != KeySourceEnvExpanded {
		t.Errorf("key source = %s, want env-expanded", p.KeySource)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no providers",
			doc:  `[server]` + "\n" + `listen = "127.0.0.1:8080"`,
			want: "at least one [[providers]]",
		},
		{
			name: "unnamed provider",
			doc: `
[[providers]]
url = "https://x.example.com"
`,
			want: "has no name",
		},
		{
			name: "duplicate provider",
			doc: `
[[providers]]
name = "dup"
url = "https://a.example.com"

[[providers]]
name = "dup"
url = "https://b.example.com"
`,
			want: `duplicate provider name "dup"`,
		},
		{
			name: "missing url",
			doc: `
[[providers]]
name = "nourl"
`,
			want: `provider "nourl" has no url`,
		},
		{
			name: "bad log level",
			doc: minimalTOML + `
[logging]
level = "verbose"
`,
			want: "invalid logging.level",
		},
		{
			name: "duplicate rule",
			doc: minimalTOML + `
[[policies.rules]]
name = "r1"

[[policies.rules]]
name = "r1"
`,
			want: `duplicate policy rule "r1"`,
		},
		{
			name: "unknown default strategy",
			doc: minimalTOML + `
[policies]
default_strategy = "dice_roll"
`,
			want: `unknown policies.default_strategy "dice_roll"`,
		},
		{
			name: "unknown rule strategy",
			doc: minimalTOML + `
[[policies.rules]]
name = "r1"
strategy = "lowest_cost"
`,
			want: `policy rule "r1": unknown strategy "lowest_cost"`,
		},
		{
			name: "keyword claimed by two rules",
			doc: minimalTOML + `
[[policies.rules]]
name = "r1"
keywords = ["quick"]

[[policies.rules]]
name = "r2"
keywords = ["QUICK"]
`,
			want: `keyword "QUICK" used by both rule "r1" and rule "r2"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadTOML(t, tt.doc, nil)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestExpandValue(t *testing.T) {
	env := map[string]string{
		"HOST": "api.example.com",
		"KEY":  "sk-12345",
		"PORT": "8443",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	tests := []struct {
		name  string
		in    string
		want  string
		grew  bool
		fails string
	}{
		{name: "no references", in: "https://static.example.com", want: "https://static.example.com"},
		{name: "single reference", in: "${KEY}", want: "sk-12345", grew: true},
		{name: "embedded reference", in: "https://${HOST}/v1", want: "https://api.example.com/v1", grew: true},
		{name: "multiple references", in: "https://${HOST}:${PORT}/v1", want: "https://api.example.com:8443/v1", grew: true},
		{name: "no braces passthrough", in: "$HOST/v1", want: "$HOST/v1"},
		{name: "missing variable", in: "${ABSENT}", fails: `"ABSENT" is not set`},
		{name: "unterminated", in: "https://${HOST/v1", fails: "unterminated"},
		{name: "empty name", in: "${}", fails: "empty ${}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, expanded, err := expandValue(tt.in, lookup)
			if tt.fails != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.fails)
				}
				if !strings.Contains(err.Error(), tt.fails) {
					t.Errorf("error = %q, want substring %q", err, tt.fails)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandValue: %v", err)
			}
			if got != tt.want {
				t.Errorf("expanded = %q, want %q", got, tt.want)
			}
			if expanded != tt.grew {
				t.Errorf("expanded flag = %v, want %v", expanded, tt.grew)
			}
		})
	}
}

func TestExpandErrorNamesProvider(t *testing.T) {
	doc := `
[[providers]]
name = "alpha"
url = "https://alpha.example.com"
api_key = "${ALPHA_SECRET}"
`
	_, err := loadTOML(t, doc, nil)
	if err == nil {
		t.Fatal("expected error for unset variable")
	}
	msg := err.Error()
	if !strings.Contains(msg, `"ALPHA_SECRET"`) || !strings.Contains(msg, `provider "alpha"`) {
		t.Errorf("error should name both variable and provider, got %q", msg)
	}
}

func TestResolveAPIKeyConvention(t *testing.T) {
	env := map[string]string{"ARBSTR_GROQ_CHEAP_API_KEY": "sk-convention-9876"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	key, source, err := resolveAPIKey("groq-cheap", "", lookup)
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key.Value() != "sk-convention-9876" {
		t.Error("convention key not picked up")
	}
	if got := source.String(); got != "convention (ARBSTR_GROQ_CHEAP_API_KEY)" {
		t.Errorf("key source = %q", got)
	}
}

func TestConventionVar(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alpha", "ARBSTR_ALPHA_API_KEY"},
		{"groq-cheap", "ARBSTR_GROQ_CHEAP_API_KEY"},
		{"My Provider", "ARBSTR_MY_PROVIDER_API_KEY"},
	}
	for _, tt := range tests {
		if got := conventionVar(tt.in); got != tt.want {
			t.Errorf("conventionVar(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSecretNeverLeaks(t *testing.T) {
	s := NewSecret("sk-live-abcdef123456")

	for _, got := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprintf("%s", s),
	} {
		if got != Redacted {
			t.Errorf("secret leaked through fmt: %q", got)
		}
	}

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(out), "sk-live") {
		t.Errorf("secret leaked through JSON: %s", out)
	}
	if !strings.Contains(string(out), Redacted) {
		t.Errorf("expected redaction marker in JSON, got %s", out)
	}
}

func TestSecretMasked(t *testing.T) {
	if got := NewSecret("sk-abcdef1234567890").Masked(); got != "sk-abc...***" {
		t.Errorf("Masked() = %q", got)
	}
	// Short secrets are fully redacted: a six-char prefix would reveal
	// most of the value.
	if got := NewSecret("short").Masked(); got != Redacted {
		t.Errorf("Masked() short = %q", got)
	}
}

func TestProviderHelpers(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{
			{Name: "a", Models: []string{"m2", "m1"}},
			{Name: "b", Models: []string{"m1", "m3"}},
			{Name: "open"},
		},
	}

	if p, ok := cfg.Provider("b"); !ok || p.Name != "b" {
		t.Error("Provider lookup by name failed")
	}
	if _, ok := cfg.Provider("missing"); ok {
		t.Error("Provider lookup should miss")
	}
	if got := cfg.ProviderNames(); len(got) != 3 || got[0] != "a" || got[2] != "open" {
		t.Errorf("ProviderNames = %v", got)
	}
	if got := cfg.Models(); len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("Models = %v", got)
	}

	open := &cfg.Providers[2]
	if !open.Serves("anything") {
		t.Error("empty model list should serve any model")
	}
	a := &cfg.Providers[0]
	if !a.Serves("m1") || a.Serves("m9") {
		t.Error("model list membership is exact")
	}
	// Matching is case-sensitive, same as the OpenAI model field.
	if a.Serves("M1") {
		t.Error("model matching must be case-sensitive")
	}
}

func TestCostSats(t *testing.T) {
	tests := []struct {
		name                 string
		inTokens, outTokens  int64
		inRate, outRate, fee uint64
		want                 float64
	}{
		{name: "typical", inTokens: 100, outTokens: 200, inRate: 10, outRate: 30, fee: 1, want: 8.0},
		{name: "fractional", inTokens: 10, outTokens: 5, inRate: 5, outRate: 15, fee: 0, want: 0.125},
		{name: "base fee only", inTokens: 0, outTokens: 0, inRate: 10, outRate: 30, fee: 5, want: 5.0},
		{name: "round numbers", inTokens: 1000, outTokens: 1000, inRate: 10, outRate: 30, fee: 0, want: 40.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{InputRate: tt.inRate, OutputRate: tt.outRate, BaseFee: tt.fee}
			if got := p.CostSats(tt.inTokens, tt.outTokens); got != tt.want {
				t.Errorf("CostSats = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoutingCost(t *testing.T) {
	p := &Provider{OutputRate: 30, BaseFee: 5}
	if got := p.RoutingCost(); got != 35.0 {
		t.Errorf("RoutingCost = %v, want 35", got)
	}
}
