package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

type powerArgs struct {
	ResourceID string `json:"resource_id"`
	Force      bool   `json:"force"`
}

func TestTyped_DecodesArgs(t *testing.T) {
	var got powerArgs
	h, err := Typed(func(_ context.Context, a powerArgs) error {
		got = a
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), []byte(`{"resource_id":"vm-1","force":true}`)))
	assert.Equal(t, powerArgs{ResourceID: "vm-1", Force: true}, got)
}

func TestTyped_EmptyArgsGiveZeroValue(t *testing.T) {
	called := false
	h, err := Typed(func(_ context.Context, a powerArgs) error {
		called = true
		assert.Equal(t, powerArgs{}, a)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), nil))
	assert.True(t, called)
}

func TestTyped_MalformedArgsAreNotRetried(t *testing.T) {
	h, err := Typed(func(context.Context, powerArgs) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.NoError(t, err)

	err = h(context.Background(), []byte(`{"resource_id":`))
	var noRetry *core.NoRetryError
	assert.True(t, errors.As(err, &noRetry))
}

func TestTyped_PropagatesHandlerError(t *testing.T) {
	boom := errors.New("task failed")
	h, err := Typed(func(context.Context, powerArgs) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, h(context.Background(), []byte(`{}`)), boom)
}

func TestTyped_RejectsNil(t *testing.T) {
	_, err := Typed[powerArgs](nil)
	assert.Error(t, err)
}

func TestSafe_RecoversPanic(t *testing.T) {
	err := Safe(context.Background(), func(context.Context, []byte) error {
		panic("provider client nil")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: provider client nil")
}
