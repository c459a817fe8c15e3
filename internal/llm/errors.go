package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks provider errors that will not succeed on retry:
// exhausted credits, revoked keys, billing problems. Callers check with
// errors.Is and give up instead of retrying.
var ErrFatalAPI = errors.New("fatal API error")

// fatalPatterns are substrings that identify non-retryable provider errors.
var fatalPatterns = []string{
	"credit balance",
	"insufficient credit",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication failed",
	"unauthorized",
	"401",
	"403",
}

// isFatalAPIError reports whether err (or anything it wraps) matches a known
// non-retryable provider failure.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// wrapFatalError tags fatal provider errors with ErrFatalAPI and passes
// everything else through unchanged.
func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return err
}
