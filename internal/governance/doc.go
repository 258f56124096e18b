// Package governance holds the runtime controls that protect the pipeline's
// collaborators: exponential backoff and bounded retries, a circuit breaker
// for the classifier endpoint, and a token bucket limiter for judge calls.
//
// The evaluation queue reuses the backoff schedule to space redelivery
// attempts; the LLM client reuses the retry policy for transient upstream
// failures.
package governance
