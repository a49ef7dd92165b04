// Package driven defines the interfaces the core consumes: source
// adapters, persistence stores, the rate limiter, and the external
// collaborators (LLM structurer, dataset versioner). Implementations
// live under internal/adapters/driven and internal/connectors.
package driven
