// Package matrix is the Matrix frontend: a mautrix sync loop that turns
// room messages into agent turns, and a messenger that posts replies,
// edits, redactions, and reactions.
//
// Matrix has no interactive buttons, so approval prompts ask for a ✅ or ❌
// reaction on the prompt event. The frontend tracks prompt event IDs and
// maps reactions on them back to approval verdicts.
//
// End-to-end encryption is optional and handled by mautrix's cryptohelper
// with a per-user SQLite crypto store.
package matrix
