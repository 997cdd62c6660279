package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreviewErrorError(t *testing.T) {
	testCases := []struct {
		name     string
		err      *PreviewError
		expected []string
	}{
		{
			name:     "code and message",
			err:      NewConfigError(ErrCodeConfigInvalid, "missing project id"),
			expected: []string{"[ERR_CONFIG_INVALID]", "missing project id"},
		},
		{
			name:     "project tag",
			err:      NewBuildError(ErrCodeBuildFailed, "build failed", nil).WithProject("docs-site"),
			expected: []string{"project:docs-site", "build failed"},
		},
		{
			name:     "cause appended",
			err:      NewWatchError(ErrCodeWatchFailed, "cannot watch root", errors.New("too many open files")),
			expected: []string{"cannot watch root", "too many open files"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.err.Error()
			for _, want := range tc.expected {
				assert.Contains(t, msg, want)
			}
		})
	}
}

func TestPreviewErrorUnwrap(t *testing.T) {
	cause := errors.New("exit status 2")
	err := ErrBuildFailed("docs-site", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestPreviewErrorIs(t *testing.T) {
	err := ErrProjectNotFound("missing")

	assert.True(t, errors.Is(err, ErrProjectNotFound("other")))
	assert.False(t, errors.Is(err, ErrProjectExists("missing")))
}

func TestPreviewErrorIsThroughWrapping(t *testing.T) {
	inner := ErrPathTraversal("../etc/passwd")
	wrapped := fmt.Errorf("serving request: %w", inner)

	assert.True(t, IsSecurityError(wrapped))
	assert.False(t, IsBuildError(wrapped))
}

func TestWithContext(t *testing.T) {
	err := NewServeError(ErrCodeBindFailed, "bind failed", nil).
		WithContext("addr", "127.0.0.1:0").
		WithContext("attempt", 2)

	assert.Equal(t, "127.0.0.1:0", err.Context["addr"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(ErrBuildFailed("p", nil)))
	assert.True(t, IsRecoverable(ErrBindFailed(":0", nil)))
	assert.False(t, IsRecoverable(ErrProjectExists("p")))
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, IsBuildError(ErrBuildTimeout("p")))
	assert.True(t, IsWatchError(NewWatchError(ErrCodeWatchClosed, "watcher closed", nil)))
	assert.True(t, IsResourceError(ErrBindFailed(":0", nil)))
	assert.True(t, IsSecurityError(ErrInvalidOrigin("http://evil.test")))
	assert.False(t, IsBuildError(errors.New("plain")))
}
