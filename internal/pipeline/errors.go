package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Input and policy errors. Surfaced synchronously and never retried
// automatically; only an explicit user action re-triggers the send.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrRateLimited       = errors.New("rate limited")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotSender         = errors.New("only the original sender may edit")
	ErrEditWindowExpired = errors.New("edit window expired")
)

// ContentRejectedError reports a content-validation rejection with the
// service's violation reasons.
type ContentRejectedError struct {
	Violations []string
}

func (e *ContentRejectedError) Error() string {
	if len(e.Violations) == 0 {
		return "content rejected"
	}
	return fmt.Sprintf("content rejected: %s", strings.Join(e.Violations, ", "))
}
