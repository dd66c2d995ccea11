package errdefs

import "strings"

// EngineErrorCategory buckets container-engine errors for retry
// classification. The mapping is externalized configuration rather
// than hardcoded per call site, so operators can tune it.
type EngineErrorCategory string

const (
	EngineNotFound     EngineErrorCategory = "not_found"
	EngineConflict     EngineErrorCategory = "conflict"
	EngineInvalidParam EngineErrorCategory = "invalid_parameter"
	EngineConnection   EngineErrorCategory = "connection"
	EngineServerError  EngineErrorCategory = "server_error"
	EngineUnknown      EngineErrorCategory = "unknown"
)

// RetryClass maps engine error categories to retryability. The zero
// value is unusable; start from DefaultRetryClass.
type RetryClass map[EngineErrorCategory]bool

// DefaultRetryClass: parameter problems are the caller's fault and
// never retried; everything that can heal on the engine side is.
func DefaultRetryClass() RetryClass {
	return RetryClass{
		EngineNotFound:     true,
		EngineConflict:     true,
		EngineInvalidParam: false,
		EngineConnection:   true,
		EngineServerError:  true,
		EngineUnknown:      true,
	}
}

// ClassifyEngineError wraps an engine error with the Kind implied by
// the retry class table.
func (rc RetryClass) ClassifyEngineError(category EngineErrorCategory, err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable, ok := rc[category]
	if !ok {
		retryable = rc[EngineUnknown]
	}
	if retryable {
		return Wrap(KindTransient, err, msg)
	}
	return Wrap(KindValidation, err, msg)
}

// CategorizeEngineError buckets a raw engine error by message shape.
// The docker client flattens HTTP status into error strings; this is
// the coarse fallback when typed checks are unavailable.
func CategorizeEngineError(err error) EngineErrorCategory {
	if err == nil {
		return EngineUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such container"), strings.Contains(msg, "not found"):
		return EngineNotFound
	case strings.Contains(msg, "conflict"), strings.Contains(msg, "already in use"):
		return EngineConflict
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "bad parameter"):
		return EngineInvalidParam
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "cannot connect"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "timeout"):
		return EngineConnection
	case strings.Contains(msg, "internal server error"), strings.Contains(msg, "500"):
		return EngineServerError
	}
	return EngineUnknown
}
