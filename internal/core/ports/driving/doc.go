// Package driving defines the interfaces the core exposes to the CLI
// and any external orchestration layer. Every operation returns
// structured results, never raw panics, so callers can display them.
package driving
