package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindExtraction(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validationf("bad signature"), KindValidation},
		{"conflict", Conflictf("state mismatch"), KindConflict},
		{"transient", Transientf("store timeout"), KindTransient},
		{"fatal", Fatalf("corrupt bucket"), KindFatal},
		{"security", Securityf("secret detected"), KindSecurity},
		{"unclassified defaults to transient", errors.New("plain"), KindTransient},
		{"wrapped survives fmt.Errorf", fmt.Errorf("outer: %w", Conflictf("inner")), KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetKind(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(Validationf("x")))
	assert.False(t, Retryable(Securityf("x")))
	assert.False(t, Retryable(Fatalf("x")))
	assert.True(t, Retryable(Transientf("x")))
	assert.True(t, Retryable(Conflictf("x")))
	assert.True(t, Retryable(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, nil, "ignored"))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindTransient, cause, "stats call failed")
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "stats call failed")
	assert.Contains(t, err.Error(), "socket closed")
}

func TestCategorizeEngineError(t *testing.T) {
	tests := []struct {
		msg  string
		want EngineErrorCategory
	}{
		{"Error: No such container: abc123", EngineNotFound},
		{"Conflict. The container name is already in use", EngineConflict},
		{"invalid mount config", EngineInvalidParam},
		{"Cannot connect to the Docker daemon", EngineConnection},
		{"request returned Internal Server Error", EngineServerError},
		{"something odd", EngineUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeEngineError(errors.New(tt.msg)))
		})
	}
}

func TestRetryClassClassification(t *testing.T) {
	rc := DefaultRetryClass()

	err := rc.ClassifyEngineError(EngineConnection, errors.New("connection refused"), "create failed")
	assert.True(t, Retryable(err))

	err = rc.ClassifyEngineError(EngineInvalidParam, errors.New("bad parameter"), "create failed")
	assert.False(t, Retryable(err))

	// Unknown categories fall back to the unknown row
	rc[EngineUnknown] = false
	err = rc.ClassifyEngineError("made-up", errors.New("x"), "y")
	assert.False(t, Retryable(err))
}
