// Package notify forwards new-message summaries to the assigned agent on
// Matrix or Slack. Failures are returned to the caller, which logs them.
package notify
