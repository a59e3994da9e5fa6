package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("list page 3: %w", &Error{Kind: KindRateLimited, Op: "search", StatusCode: 429})
	require.ErrorIs(t, err, ErrRateLimited)
	require.NotErrorIs(t, err, ErrTransport)
	require.Equal(t, KindRateLimited, KindOf(err))
	require.Contains(t, err.Error(), "status 429")
}

func TestError_UnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := NewError(KindTransport, "fetch replay abc", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "fetch replay abc: transport: connection reset", err.Error())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(NewError(KindTransport, "", nil)))
	require.True(t, Retryable(NewError(KindRateLimited, "", nil)))
	require.False(t, Retryable(NewError(KindDecode, "", nil)))
	require.False(t, Retryable(NewError(KindNotFound, "", nil)))
	require.False(t, Retryable(errors.New("plain")))
	require.Empty(t, KindOf(errors.New("plain")))
}
