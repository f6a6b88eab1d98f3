// Aspyx is an intercepting observability proxy for LLM CLI traffic.
//
// It sits between a chat-completion client and its upstream provider,
// forwarding HTTP requests transparently while parsing the SSE response
// stream into structured conversation events — tool calls, tool results,
// thinking blocks, token usage — persisting them to a local queryable
// store, and exposing them over a REST query API.
//
// Usage:
//
//	# Start the proxy with the default configuration
//	aspyx run
//
//	# Start with a custom configuration file
//	aspyx run --config /path/to/aspyx.toml
//
//	# Check a configuration file without starting
//	aspyx validate --config /path/to/aspyx.toml
//
//	# Show version information
//	aspyx version
package main

func main() {
	Execute()
}
