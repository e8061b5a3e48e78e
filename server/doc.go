// Package server implements the provider role: it accepts incoming
// protocol requests, validates them against the negotiated version,
// runs capability-matched extensions in rank order to build the
// response, and signs the result where the version calls for it.
//
// Every validation step fails closed. A request that cannot be fully
// validated, or for which no capable extension exists, yields an error
// and no payload; a partially built or unsigned listing is never
// emitted.
package server
