package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionKey(t *testing.T) {
	ctx := WithExecutionKey(context.Background(), 42)

	key, found := GetExecutionKey(ctx)
	assert.True(t, found)
	assert.Equal(t, int64(42), key)

	key, found = GetExecutionKey(context.Background())
	assert.False(t, found)
	assert.Equal(t, int64(0), key)
}

func TestExecutionKeyOfWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), ExecutionKey, "42")
	_, found := GetExecutionKey(ctx)
	assert.False(t, found)
}
