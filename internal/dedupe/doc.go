// Package dedupe suppresses redelivered platform events. Chat platforms
// redeliver events after reconnects and ack timeouts; frontends fingerprint
// each inbound event and consult a shared TTL cache before routing it.
package dedupe
