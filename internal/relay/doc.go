// Package relay assembles and runs the whole bridge process.
//
// New wires configuration into concrete components: the agentd runtime
// client, the shared conversation registry and dedupe cache, the optional
// SQLite ledger, one router per enabled frontend, and the ops server. Run
// starts everything and blocks; the first permanent component failure or
// context cancellation tears the process down, releasing every live agent
// session on the way out.
package relay
