// Package governance holds the runtime safety controls shared by the pipeline
// executor, the batch summarizer, and the agent client: retry policies with
// pluggable backoff and a keyed token-bucket rate limiter.
//
// The primitives carry no pipeline knowledge. Callers decide which errors are
// retryable and which keys share a bucket.
package governance
