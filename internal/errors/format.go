package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// FormatForCLI formats an error for terminal output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	me, ok := err.(*MatchError)
	if !ok {
		me = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", me.Message))
	if me.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", me.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", me.Code))
	return sb.String()
}

// FormatForLog formats an error for structured logging.
// Returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	me, ok := err.(*MatchError)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_code": me.Code,
		"message":    me.Message,
		"category":   string(me.Category),
		"severity":   string(me.Severity),
		"retryable":  me.Retryable,
	}
	if me.Cause != nil {
		result["cause"] = me.Cause.Error()
	}
	for k, v := range me.Details {
		result["detail_"+k] = v
	}
	return result
}

// HTTPStatus maps an error to the HTTP status code the API should return.
// Validation problems are the caller's fault; upstream retrieval failures
// surface as bad gateway; everything else is an internal error.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	me, ok := err.(*MatchError)
	if !ok {
		return http.StatusInternalServerError
	}

	if me.Code == ErrCodeAllSourcesFailed {
		return http.StatusBadGateway
	}

	switch me.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
