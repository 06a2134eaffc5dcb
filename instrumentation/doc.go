// Package instrumentation provides OpenTelemetry metric instruments for the
// wallet authentication gateway: rate limit decisions, nonce lifecycle,
// session lifecycle and backing store faults.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a meter provider in tests.
package instrumentation
