package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimq/internal/domain"
)

func TestShellCapturesOutput(t *testing.T) {
	out, err := Shell{}.Handle(context.Background(), domain.Task{
		Parameters: []byte(`{"command":"echo","args":["hello"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestShellMissingCommand(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), domain.Task{Parameters: []byte(`{}`)})
	assert.ErrorContains(t, err, "command is required")
}

func TestShellFailureIncludesOutput(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), domain.Task{
		Parameters: []byte(`{"command":"sh","args":["-c","echo oops >&2; exit 3"]}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestShellCapsLongOutput(t *testing.T) {
	out, err := Shell{}.Handle(context.Background(), domain.Task{
		Parameters: []byte(`{"command":"sh","args":["-c","for i in $(seq 1 500); do echo 0123456789; done"]}`),
	})
	require.NoError(t, err)
	assert.Len(t, out, maxResultOutput)
}
