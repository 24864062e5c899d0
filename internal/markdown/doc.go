// Package markdown converts agent output (GitHub-flavored markdown) into
// Slack's mrkdwn dialect. Matrix renders markdown natively, so only the
// Slack frontend goes through this package.
package markdown
