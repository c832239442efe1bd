package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	ExecutionKey EXECUTION_CONTEXT = "executionKey"
)

// WithExecutionKey marks ctx with the key of the engine execution it belongs to.
func WithExecutionKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, ExecutionKey, key)
}

func GetExecutionKey(ctx context.Context) (int64, bool) {
	executionContextKey := ctx.Value(ExecutionKey)
	if executionContextKey == nil {
		return 0, false
	}
	key, ok := executionContextKey.(int64)
	return key, ok
}
