package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsPrefixedUUID(t *testing.T) {
	id := New("ret")

	require.True(t, strings.HasPrefix(id, "ret-"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "ret-"))
	assert.NoError(t, err)
	assert.NotEqual(t, id, New("ret"))
}
