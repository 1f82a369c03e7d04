package infer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParameters() GenerateParameters {
	p := DefaultParameters()
	p.MaxNewTokens = 10
	return p
}

func TestValidation_RejectsBadParameters(t *testing.T) {
	v := NewValidation(1, 1000)
	defer v.Close()

	tests := []struct {
		name   string
		mutate func(*GenerateRequest)
		reason string
	}{
		{
			name:   "zero temperature",
			mutate: func(r *GenerateRequest) { r.Parameters.Temperature = 0 },
			reason: "temperature",
		},
		{
			name:   "negative temperature",
			mutate: func(r *GenerateRequest) { r.Parameters.Temperature = -0.5 },
			reason: "temperature",
		},
		{
			name:   "top_p above one",
			mutate: func(r *GenerateRequest) { r.Parameters.TopP = 1.5 },
			reason: "top_p",
		},
		{
			name:   "zero top_p",
			mutate: func(r *GenerateRequest) { r.Parameters.TopP = 0 },
			reason: "top_p",
		},
		{
			name:   "zero max_new_tokens",
			mutate: func(r *GenerateRequest) { r.Parameters.MaxNewTokens = 0 },
			reason: "max_new_tokens",
		},
		{
			name:   "max_new_tokens above cap",
			mutate: func(r *GenerateRequest) { r.Parameters.MaxNewTokens = 513 },
			reason: "max_new_tokens",
		},
		{
			name:   "too many stop sequences",
			mutate: func(r *GenerateRequest) { r.Parameters.Stop = []string{"a", "b", "c", "d", "e"} },
			reason: "stop sequences",
		},
		{
			name:   "empty inputs",
			mutate: func(r *GenerateRequest) { r.Inputs = "" },
			reason: "inputs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := GenerateRequest{Inputs: "hello world", Parameters: validParameters()}
			tt.mutate(&req)

			_, err := v.Validate(context.Background(), req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.reason)
		})
	}
}

func TestValidation_RejectsTooLongInput(t *testing.T) {
	// GIVEN a validator capping inputs at 3 tokens
	v := NewValidation(1, 3)
	defer v.Close()

	// WHEN a 4-token input is validated
	req := GenerateRequest{Inputs: "one two three four", Parameters: validParameters()}
	_, err := v.Validate(context.Background(), req)

	// THEN it is rejected with the observed length
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "given: 4")
}

func TestValidation_BuildsBackendRequest(t *testing.T) {
	v := NewValidation(2, 1000)
	defer v.Close()

	req := GenerateRequest{Inputs: "hello world", Parameters: validParameters()}
	validated, err := v.Validate(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "hello world", validated.Inputs)
	assert.Equal(t, uint32(2), validated.InputLength)
	assert.Equal(t, uint32(10), validated.StoppingParameters.MaxNewTokens)
	assert.Nil(t, validated.Parameters.Seed)
}

func TestValidation_AssignsSeedWhenSampling(t *testing.T) {
	v := NewValidation(1, 1000)
	defer v.Close()

	t.Run("assigns a seed when sampling without one", func(t *testing.T) {
		p := validParameters()
		p.DoSample = true
		validated, err := v.Validate(context.Background(), GenerateRequest{Inputs: "hi", Parameters: p})
		require.NoError(t, err)
		assert.NotNil(t, validated.Parameters.Seed)
	})

	t.Run("keeps an explicit seed", func(t *testing.T) {
		seed := uint64(42)
		p := validParameters()
		p.DoSample = true
		p.Seed = &seed
		validated, err := v.Validate(context.Background(), GenerateRequest{Inputs: "hi", Parameters: p})
		require.NoError(t, err)
		require.NotNil(t, validated.Parameters.Seed)
		assert.Equal(t, seed, *validated.Parameters.Seed)
	})

	t.Run("greedy requests get no seed", func(t *testing.T) {
		validated, err := v.Validate(context.Background(), GenerateRequest{Inputs: "hi", Parameters: validParameters()})
		require.NoError(t, err)
		assert.Nil(t, validated.Parameters.Seed)
	})
}
