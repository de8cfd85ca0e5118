package agent

import (
	"context"
	"errors"
	"strings"
)

// HumanizeError converts an internal error into a user-facing sentence.
// Internal detail (stack context, wrapped chains) never reaches the chat.
func HumanizeError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "That took longer than I'm allowed to spend. Try breaking the request into smaller pieces, or ask me to run it in the background."
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled."
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return "The upstream service is rate limiting me right now. Give it a minute and try again."
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "The request timed out. Try again, or split it into smaller steps."
	case strings.Contains(msg, "container"):
		return "I couldn't start the agent environment. This usually resolves itself; try again shortly."
	default:
		return "Something went wrong while processing that. I've logged the details."
	}
}

// transientNetworkCodes is the error substrings treated as retryable
// transport failures.
var transientNetworkCodes = []string{
	"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "EAI_AGAIN", "ENOTFOUND",
	"connection reset", "connection refused", "i/o timeout", "no such host",
	"TLS handshake timeout",
}

// IsRetryable reports whether an error looks like a transient transport
// failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}
	for _, code := range transientNetworkCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
