// Package approval implements human-in-the-loop authorization for agent
// tool use.
//
// Each conversation owns one Arbiter. When the agent runtime suspends on a
// sensitive operation, Request posts an interactive prompt to the
// conversation's platform and blocks the runtime callback until one of four
// things happens, in strict first-wins order:
//
//   - a platform action resolves the request (allow or deny)
//   - the timeout elapses (deny)
//   - the caller's context is cancelled (deny)
//   - the arbiter is closed (deny)
//
// Requests are keyed by opaque Token. A conversation may have any number of
// requests outstanding at once; resolving one never disturbs the others.
// Duplicate and late resolutions are silent no-ops, so double-clicked
// buttons and stale prompts are harmless.
//
// If the prompt cannot be published at all the request denies immediately:
// a human who never saw the question must not be assumed to have answered
// it.
package approval
