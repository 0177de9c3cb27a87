package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// Func runs one job attempt against its JSON-encoded arguments.
type Func func(ctx context.Context, args []byte) error

// Typed wraps fn so that the job arguments are decoded into T before each
// attempt. Arguments that cannot be decoded fail the job without retry.
func Typed[T any](fn func(ctx context.Context, args T) error) (Func, error) {
	if fn == nil {
		return nil, errors.New("handler function cannot be nil")
	}
	return func(ctx context.Context, raw []byte) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return core.NoRetry(fmt.Errorf("failed to unmarshal args: %w", err))
			}
		}
		return fn(ctx, args)
	}, nil
}

// Safe runs h and converts a panic into an error.
func Safe(ctx context.Context, h Func, args []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, args)
}
