package tenantctx

import (
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
)

// Messages shown to users
const (
	MessagePermission = "You no longer have access to this company. Ask an administrator to restore your access."
	MessageRetry      = "We couldn't load your companies. Check your connection and try again."
	MessageInvalid    = "That company isn't available for your account."
)

// UserError maps err to the text a user should see. Aborted operations and
// nil map to "".
func UserError(err error) string {
	if err == nil || apperrors.IsAborted(err) {
		return ""
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindPermission:
		return MessagePermission
	case apperrors.KindValidation, apperrors.KindNotFound:
		return MessageInvalid
	default:
		return MessageRetry
	}
}
