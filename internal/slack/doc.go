// Package slack is the Slack frontend: a Socket Mode event loop that turns
// message and app_mention events into agent turns, and a messenger that
// posts replies, status updates, reactions, and block-kit approval prompts
// through the Web API.
//
// Approval prompts carry their token in the button action IDs; the
// interaction handler parses the allow/deny suffix back into a verdict and
// hands it to the router.
package slack
