// Package config loads and validates all runtime configuration for arbstr.
//
// Configuration is read from a TOML file, arbstr.toml in the working
// directory by default, or an explicit path passed on the command line.
// Environment variables are layered on top for scalar settings using
// UPPER_SNAKE_CASE names: SERVER_LISTEN overrides server.listen, and so on.
//
// Provider API keys never need to live in the file. A key value may
// reference the environment with ${VAR} expansion, or be omitted entirely,
// in which case the conventional ARBSTR_<NAME>_API_KEY variable is
// consulted. Keys are held in a Secret wrapper that redacts itself in
// logs and JSON output.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type (
	// Config is the top-level configuration container.
	Config struct {
		// Server holds the listen addresses for the proxy and management planes.
		Server ServerConfig

		// Database holds the SQLite request log location.
		Database DatabaseConfig

		// Providers is the ordered list of upstream providers. Order matters:
		// it breaks ties between providers with equal routing cost.
		Providers []Provider

		// Policies holds the routing policy rules and the default strategy.
		Policies Policies

		// Logging controls log level and request logging.
		Logging LoggingConfig
	}

	// ServerConfig holds the HTTP listen addresses.
	ServerConfig struct {
		// Listen is the address of the OpenAI-compatible proxy listener.
		// Default: 127.0.0.1:8080.
		Listen string

		// ManagementListen is the address of the stats/health/metrics listener.
		// Default: 127.0.0.1:9090.
		ManagementListen string
	}

	// DatabaseConfig holds the request log database location.
	DatabaseConfig struct {
		// Path is the SQLite database file. Default: ./arbstr.db.
		Path string
	}

	// Provider describes a single upstream OpenAI-compatible endpoint and
	// its satoshi pricing.
	Provider struct {
		// Name identifies the provider in logs, headers and stats. Unique.
		Name string

		// URL is the base URL of the provider's OpenAI-compatible API,
		// e.g. "https://api.example.com/v1". ${VAR} references are expanded.
		URL string

		// APIKey is sent as a Bearer token on upstream requests. May be empty
		// for providers that do not require auth.
		APIKey Secret

		// KeySource records where APIKey came from, for the providers listing.
		KeySource KeySource

		// Models is the list of model IDs this provider serves. An empty list
		// means the provider accepts any model.
		Models []string

		// InputRate is the price in satoshis per 1000 prompt tokens.
		InputRate uint64

		// OutputRate is the price in satoshis per 1000 completion tokens.
		OutputRate uint64

		// BaseFee is a flat per-request charge in satoshis.
		BaseFee uint64
	}

	// Policies holds the routing policy configuration.
	Policies struct {
		// DefaultStrategy applies when no rule matches. Default: "cheapest".
		DefaultStrategy string

		// Rules are matched in order; the first match wins.
		Rules []PolicyRule
	}

	// PolicyRule constrains and steers routing for matching requests.
	PolicyRule struct {
		// Name selects this rule explicitly via the X-Arbstr-Policy header.
		Name string

		// AllowedModels restricts which models the rule permits. Empty means
		// any model.
		AllowedModels []string

		// Strategy orders the surviving candidates. Default: "cheapest".
		Strategy string

		// MaxSatsPer1kOutput drops providers whose output rate plus base fee
		// exceeds this cap. Nil means no cap.
		MaxSatsPer1kOutput *uint64

		// Keywords match case-insensitively against the first user message.
		Keywords []string
	}

	// LoggingConfig controls logging behaviour.
	LoggingConfig struct {
		// Level is the minimum log level. One of: debug, info, warn, error.
		// Default: info.
		Level string

		// LogRequests enables writing per-request rows to the database.
		// Default: true.
		LogRequests bool
	}
)

// Load reads configuration from the given TOML file path. When path is
// empty it searches for arbstr.toml in the working directory; a missing
// file is not an error in that mode since defaults plus environment
// variables form a valid (if provider-less) configuration.
func Load(path string) (*Config, error) {
	// Load .env first so its values are visible both to viper and to
	// ${VAR} expansion below.
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("arbstr")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // missing file is fine in search mode
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	applyDefaults(v)

	return fromViper(v, os.LookupEnv)
}

// ── Defaults ──

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.management_listen", "127.0.0.1:9090")
	v.SetDefault("database.path", "./arbstr.db")
	v.SetDefault("policies.default_strategy", "cheapest")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_requests", true)
}

// fromViper builds a Config from a populated viper instance. The lookup
// function resolves ${VAR} references and convention keys; tests inject a
// fake to avoid touching the process environment.
func fromViper(v *viper.Viper, lookup func(string) (string, bool)) (*Config, error) {
	var rawProviders []rawProvider
	if err := v.UnmarshalKey("providers", &rawProviders); err != nil {
		return nil, fmt.Errorf("config: invalid [[providers]] section: %w", err)
	}
	var rawRules []rawRule
	if err := v.UnmarshalKey("policies.rules", &rawRules); err != nil {
		return nil, fmt.Errorf("config: invalid [[policies.rules]] section: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Listen:           v.GetString("server.listen"),
			ManagementListen: v.GetString("server.management_listen"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Policies: Policies{
			DefaultStrategy: v.GetString("policies.default_strategy"),
		},
		Logging: LoggingConfig{
			Level:       v.GetString("logging.level"),
			LogRequests: v.GetBool("logging.log_requests"),
		},
	}

	for _, rp := range rawProviders {
		p, err := rp.resolve(lookup)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}
	for _, rr := range rawRules {
		cfg.Policies.Rules = append(cfg.Policies.Rules, rr.toRule())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type (
	// rawProvider mirrors a [[providers]] table before secret resolution.
	rawProvider struct {
		Name       string   `mapstructure:"name"`
		URL        string   `mapstructure:"url"`
		APIKey     string   `mapstructure:"api_key"`
		Models     []string `mapstructure:"models"`
		InputRate  uint64   `mapstructure:"input_rate"`
		OutputRate uint64   `mapstructure:"output_rate"`
		BaseFee    uint64   `mapstructure:"base_fee"`
	}

	// rawRule mirrors a [[policies.rules]] table.
	rawRule struct {
		Name               string   `mapstructure:"name"`
		AllowedModels      []string `mapstructure:"allowed_models"`
		Strategy           string   `mapstructure:"strategy"`
		MaxSatsPer1kOutput *uint64  `mapstructure:"max_sats_per_1k_output"`
		Keywords           []string `mapstructure:"keywords"`
	}
)

// resolve expands environment references and resolves the API key.
func (rp rawProvider) resolve(lookup func(string) (string, bool)) (Provider, error) {
	url, _, err := expandValue(rp.URL, lookup)
	if err != nil {
		return Provider{}, fmt.Errorf("config: provider %q: %w", rp.Name, err)
	}
	key, source, err := resolveAPIKey(rp.Name, rp.APIKey, lookup)
	if err != nil {
		return Provider{}, fmt.Errorf("config: provider %q: %w", rp.Name, err)
	}
	return Provider{
		Name:       rp.Name,
		URL:        url,
		APIKey:     key,
		KeySource:  source,
		Models:     rp.Models,
		InputRate:  rp.InputRate,
		OutputRate: rp.OutputRate,
		BaseFee:    rp.BaseFee,
	}, nil
}

func (rr rawRule) toRule() PolicyRule {
	return PolicyRule{
		Name:               rr.Name,
		AllowedModels:      rr.AllowedModels,
		Strategy:           rr.Strategy,
		MaxSatsPer1kOutput: rr.MaxSatsPer1kOutput,
		Keywords:           rr.Keywords,
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return errors.New("config: at least one [[providers]] entry is required")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider at index %d has no name", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.URL == "" {
			return fmt.Errorf("config: provider %q has no url", p.Name)
		}
	}

	if s := c.Policies.DefaultStrategy; s != "" && s != "cheapest" {
		return fmt.Errorf("config: unknown policies.default_strategy %q; only \"cheapest\" is supported", s)
	}

	rules := make(map[string]struct{}, len(c.Policies.Rules))
	keywords := make(map[string]string)
	for i, r := range c.Policies.Rules {
		if r.Name == "" {
			return fmt.Errorf("config: policy rule at index %d has no name", i)
		}
		if _, dup := rules[r.Name]; dup {
			return fmt.Errorf("config: duplicate policy rule %q", r.Name)
		}
		rules[r.Name] = struct{}{}
		if r.Strategy != "" && r.Strategy != "cheapest" {
			return fmt.Errorf("config: policy rule %q: unknown strategy %q", r.Name, r.Strategy)
		}
		// Keyword matching walks rules in order; the same keyword in two
		// rules would silently shadow the later one.
		for _, kw := range r.Keywords {
			lower := strings.ToLower(kw)
			if owner, dup := keywords[lower]; dup {
				return fmt.Errorf("config: keyword %q used by both rule %q and rule %q", kw, owner, r.Name)
			}
			keywords[lower] = r.Name
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid logging.level %q; must be one of: debug, info, warn, error",
			c.Logging.Level,
		)
	}

	if c.Server.Listen == "" {
		return errors.New("config: server.listen must not be empty")
	}
	if c.Database.Path == "" {
		return errors.New("config: database.path must not be empty")
	}

	return nil
}

// Provider returns the provider with the given name.
func (c *Config) Provider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// ProviderNames returns provider names in configuration order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

// Models returns the sorted union of all model IDs served by configured
// providers. Providers with an empty model list contribute nothing here.
func (c *Config) Models() []string {
	var models []string
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if !slices.Contains(models, m) {
				models = append(models, m)
			}
		}
	}
	slices.Sort(models)
	return models
}

// Serves reports whether the provider can serve the given model. An empty
// model list means the provider accepts anything.
func (p *Provider) Serves(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	return slices.Contains(p.Models, model)
}

// RoutingCost is the rank used to order candidate providers: the output
// rate plus the flat base fee, in satoshis per 1000 completion tokens.
func (p *Provider) RoutingCost() float64 {
	return float64(p.OutputRate + p.BaseFee)
}

// CostSats computes the satoshi cost of a completed request from its
// token usage.
func (p *Provider) CostSats(inputTokens, outputTokens int64) float64 {
	tokens := float64(inputTokens)*float64(p.InputRate) + float64(outputTokens)*float64(p.OutputRate)
	return tokens/1000 + float64(p.BaseFee)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
