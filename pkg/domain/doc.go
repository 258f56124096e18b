// Package domain defines the core types of the plant health pipeline:
// assessment requests and responses, guardrail verdicts, evaluation records,
// quality snapshots and the typed errors shared between packages.
//
// This package depends only on the Go standard library. Infrastructure
// packages (storage, queue, llm, server) depend on it, never the reverse.
package domain
