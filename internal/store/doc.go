// Package store persists the relay's audit ledger: one row per completed
// turn and one per settled approval decision. Message bodies are never
// stored. Recording is best-effort: failures are logged by callers and
// never fail a turn.
package store
