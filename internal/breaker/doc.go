// Package breaker isolates failing outbound providers.
//
// A Breaker opens after failureThreshold consecutive failures and rejects
// calls with *CircuitOpenError (matching ErrCircuitOpen) until
// recoveryTimeout has passed. It then admits one trial call: success closes
// the circuit, failure reopens it with a fresh timeout. Registry keeps one
// breaker per provider name.
package breaker
