package proxy

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"

	"github.com/routstr/arbstr/internal/config"
	"github.com/routstr/arbstr/pkg/apierr"
)

// Selector picks candidate providers for a request, cheapest first.
//
// Selection is a pure function of the immutable configuration: resolve a
// policy (explicit header name, then keyword heuristics), filter providers
// by model support and policy constraints, then rank ascending by routing
// cost. Routing cost is output_rate + base_fee: at selection time token
// counts are unknown, so the output rate dominates expected cost and the
// input rate is ignored for ranking.
type Selector struct {
	providers       []config.Provider
	rules           []config.PolicyRule
	defaultStrategy string
	log             *slog.Logger
}

// NewSelector builds a Selector over the configured providers and policies.
func NewSelector(cfg *config.Config, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		providers:       cfg.Providers,
		rules:           cfg.Policies.Rules,
		defaultStrategy: cfg.Policies.DefaultStrategy,
		log:             log,
	}
}

// Select returns the ordered candidate list for a request and the policy
// that shaped it (nil when no policy applied).
//
// policyName comes from the X-Arbstr-Policy header and wins when it names a
// configured rule; an unknown name falls through to keyword matching
// against prompt, the first user message of the conversation.
func (s *Selector) Select(model, policyName, prompt string) ([]*config.Provider, *config.PolicyRule, error) {
	policy := s.findPolicy(policyName, prompt)

	candidates := make([]*config.Provider, 0, len(s.providers))
	for i := range s.providers {
		if s.providers[i].Serves(model) {
			candidates = append(candidates, &s.providers[i])
		}
	}
	if len(candidates) == 0 {
		return nil, nil, apierr.NoProviders(model)
	}

	if policy != nil {
		var err error
		candidates, err = s.applyConstraints(candidates, policy, model)
		if err != nil {
			return nil, nil, err
		}
	}

	strategy := s.defaultStrategy
	if policy != nil && policy.Strategy != "" {
		strategy = policy.Strategy
	}
	switch strategy {
	case "cheapest", "lowest_cost":
	default:
		s.log.Debug("unknown routing strategy, using cheapest", slog.String("strategy", strategy))
	}
	// Stable sort: providers with equal routing cost keep configuration order.
	slices.SortStableFunc(candidates, func(a, b *config.Provider) int {
		return cmp.Compare(a.RoutingCost(), b.RoutingCost())
	})

	return candidates, policy, nil
}

// findPolicy resolves the active policy rule: by exact name first, then by
// the first rule with a keyword appearing (case-insensitively) in prompt.
func (s *Selector) findPolicy(policyName, prompt string) *config.PolicyRule {
	if policyName != "" {
		for i := range s.rules {
			if s.rules[i].Name == policyName {
				s.log.Debug("policy matched by header", slog.String("policy", policyName))
				return &s.rules[i]
			}
		}
		// Unknown policy names are not an error; fall through to heuristics.
	}

	if prompt != "" {
		lower := strings.ToLower(prompt)
		for i := range s.rules {
			for _, kw := range s.rules[i].Keywords {
				if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
					s.log.Debug("policy matched by keyword",
						slog.String("policy", s.rules[i].Name),
						slog.String("keyword", kw))
					return &s.rules[i]
				}
			}
		}
	}

	return nil
}

// applyConstraints enforces the policy's model allow-list and cost cap.
func (s *Selector) applyConstraints(candidates []*config.Provider, policy *config.PolicyRule, model string) ([]*config.Provider, error) {
	if len(policy.AllowedModels) != 0 && !slices.Contains(policy.AllowedModels, model) {
		s.log.Warn("model not allowed by policy",
			slog.String("model", model),
			slog.String("policy", policy.Name))
		return nil, apierr.BadRequest("Model '%s' not allowed by policy '%s'", model, policy.Name)
	}

	if maxSats := policy.MaxSatsPer1kOutput; maxSats != nil {
		kept := make([]*config.Provider, 0, len(candidates))
		for _, p := range candidates {
			// The cap applies to the routing cost, base fee included: a
			// provider with a cheap rate but a fat flat fee is not cheap.
			if p.OutputRate+p.BaseFee <= *maxSats {
				kept = append(kept, p)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		return nil, apierr.NoPolicyMatch(policy.Name)
	}
	return candidates, nil
}
