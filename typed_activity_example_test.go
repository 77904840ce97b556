package durable_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/durable"
	"github.com/stretchr/testify/require"
)

type MathParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

type MathResult struct {
	Sum int `json:"sum"`
}

type AddActivity struct{}

func (a *AddActivity) Name() string {
	return "math.add"
}

func (a *AddActivity) Execute(ctx durable.ActivityContext, params MathParams) (MathResult, error) {
	return MathResult{Sum: params.A + params.B}, nil
}

func ExampleTypedActivityFunction() {
	multiply := durable.TypedActivityFunction("math.multiply",
		func(ctx durable.ActivityContext, params MathParams) (MathResult, error) {
			return MathResult{Sum: params.A * params.B}, nil
		})
	ctx := durable.NewActivityContext(context.Background(), durable.ActivityInfo{ActivityType: multiply.Name()}, nil)
	result, err := multiply.Execute(ctx, durable.MustPayload(MathParams{A: 5, B: 3}))
	fmt.Println(result, err)
	// Output: {15} <nil>
}

func TestTypedActivity(t *testing.T) {
	add := durable.NewTypedActivity(&AddActivity{})
	require.Equal(t, "math.add", add.Name())
	ctx := durable.NewActivityContext(context.Background(), durable.ActivityInfo{ActivityType: add.Name(), Attempt: 1}, nil)

	result, err := add.Execute(ctx, durable.MustPayload(map[string]any{"a": 5, "b": 3}))
	require.NoError(t, err)
	require.Equal(t, MathResult{Sum: 8}, result)

	result, err = add.Execute(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, MathResult{}, result)

	_, err = add.Execute(ctx, durable.Payload(`"not an object"`))
	require.Error(t, err)
	require.True(t, durable.NewFailure(err).NonRetryable)
	require.True(t, durable.MatchesErrorType(err, durable.ErrorTypeFatal))
}
