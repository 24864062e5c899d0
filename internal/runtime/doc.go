// Package runtime connects the bridge to a stateful agent runtime.
//
// The Runtime interface creates Sessions; each session is one long-lived
// agent conversation whose server-side state (history, model context)
// belongs to the runtime. The bridge serializes Execute calls per session
// and observes progress through lifecycle hooks.
//
// # agentd protocol
//
// Client implements Runtime over HTTP against an agentd process:
//
//   - POST /api/send submits a turn and returns a Server-Sent-Events
//     stream. Events of interest: text (reply fragment), display
//     (intermediate output), tool_use / tool_result (lifecycle), the
//     suspension events below, and done / error / canceled (terminal).
//   - tool_approval suspends the agent on a sensitive action. The client
//     consults the session's OnApproval callback, then posts the verdict
//     to POST /api/tools/approve. The wait runs off the stream loop so a
//     slow human never stalls other events.
//   - tool_call invokes a bridge-hosted tool. The client runs the tool's
//     handler and posts the outcome to POST /api/tools/result.
//   - DELETE /api/threads/{id} releases a session's server-side state.
//
// Terminal results: the done event's full_response field is the reply;
// when absent, the concatenated text fragments are used instead.
package runtime
