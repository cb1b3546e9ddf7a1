package github

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppAuth_InvalidKey(t *testing.T) {
	_, err := NewAppAuth(1, []byte("not a pem key"), 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to create GitHub App transport")
}
