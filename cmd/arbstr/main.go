// Command arbstr is a cost-routing proxy for satoshi-priced LLM providers.
//
// It speaks the OpenAI chat-completions API on a local listener and
// forwards each request to the cheapest configured provider that satisfies
// the active routing policy, with automatic retry, fallback and circuit
// breaking. Every request is logged to SQLite for cost analytics.
//
// Usage:
//
//	# Start the proxy with the default config search path (./arbstr.toml)
//	arbstr serve
//
//	# Start with an explicit config file
//	arbstr serve --config /etc/arbstr/arbstr.toml
//
//	# Validate a config file without starting
//	arbstr check --config arbstr.toml
//
//	# List configured providers and their rates
//	arbstr providers
package main

func main() {
	Execute()
}
