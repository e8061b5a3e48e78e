// Package client implements the consumer role: it iterates configured
// remote sources, builds version-appropriate requests, decodes and
// verifies responses, rotates client tokens, and hands message batches
// to the reconciliation engine.
//
// Failures are contained per source. A transport error, an
// undecodable payload, or a bad signature skips that source for the
// cycle and leaves its state untouched; the other sources still run.
package client
