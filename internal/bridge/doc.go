// Package bridge connects chat-platform conversations to agent-runtime
// sessions.
//
// # Conversations
//
// A conversation is one channel, or one thread within a channel, on one
// frontend. Its identity is a deterministic ConversationID derived from
// those coordinates. The Registry maps each ConversationID to exactly one
// Entry holding the conversation's agent session, its execution lock, and
// its approval arbiter. Entries are created lazily on first message and
// live until shutdown.
//
// # Turns
//
// One inbound message is one turn. The Router drives a turn through a
// fixed sequence:
//
//  1. Drop whitespace-only messages.
//  2. Resolve (or create) the conversation's Entry.
//  3. Mark the inbound message as in progress (best effort).
//  4. Acquire the conversation's execution lock. Waiters are granted the
//     lock strictly in arrival order, so concurrent messages to one
//     conversation execute one at a time while different conversations
//     proceed in parallel.
//  5. Run the agent with a fresh status indicator wired to the session's
//     tool lifecycle hooks, then post the reply or a visible error notice.
//  6. Tear everything down best-effort: every cleanup step runs even when
//     another fails.
//
// # Approvals
//
// While a turn is executing, the agent runtime may suspend on a sensitive
// action. The session's approval callback forwards the question to the
// conversation's arbiter, which posts an interactive prompt and waits.
// The frontend delivers the human's answer as an Action, which the Router
// hands back to the arbiter by token.
package bridge
