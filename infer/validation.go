package infer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/vladsavelyev/text-generation-inference/client"
)

const (
	maxStopSequences = 4
	maxNewTokensCap  = 512
)

// GenerateRequest is the user-facing request shape shared by the HTTP
// handlers and validation.
type GenerateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters GenerateParameters `json:"parameters"`
}

// GenerateParameters are the generation knobs of one request.
type GenerateParameters struct {
	Temperature  float32  `json:"temperature"`
	TopK         uint32   `json:"top_k"`
	TopP         float32  `json:"top_p"`
	DoSample     bool     `json:"do_sample"`
	MaxNewTokens uint32   `json:"max_new_tokens"`
	Stop         []string `json:"stop"`
	Details      bool     `json:"details"`
	Seed         *uint64  `json:"seed"`
}

// DefaultParameters returns the parameter values applied when a request
// omits them.
func DefaultParameters() GenerateParameters {
	return GenerateParameters{
		Temperature:  1.0,
		TopK:         0,
		TopP:         1.0,
		DoSample:     false,
		MaxNewTokens: 20,
	}
}

type validationJob struct {
	req    GenerateRequest
	result chan validationResult
}

type validationResult struct {
	req *client.Request
	err error
}

// Validation turns user requests into backend requests on a pool of worker
// goroutines, rejecting anything the backend could choke on.
type Validation struct {
	jobs           chan validationJob
	maxInputLength int
}

// NewValidation starts the given number of validation workers.
func NewValidation(workers, maxInputLength int) *Validation {
	v := &Validation{
		jobs:           make(chan validationJob, 128),
		maxInputLength: maxInputLength,
	}
	for i := 0; i < workers; i++ {
		go v.worker()
	}
	return v
}

// Close stops the workers. Validate must not be called afterwards.
func (v *Validation) Close() {
	close(v.jobs)
}

// Validate checks the request on a worker and returns the backend request
// shape, or a ValidationError.
func (v *Validation) Validate(ctx context.Context, req GenerateRequest) (*client.Request, error) {
	job := validationJob{req: req, result: make(chan validationResult, 1)}
	select {
	case v.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.req, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *Validation) worker() {
	for job := range v.jobs {
		job.result <- v.validate(job.req)
	}
}

func (v *Validation) validate(req GenerateRequest) validationResult {
	p := req.Parameters
	switch {
	case p.Temperature <= 0:
		return invalid("temperature must be strictly positive")
	case p.TopP <= 0 || p.TopP > 1:
		return invalid("top_p must be > 0.0 and <= 1.0")
	case p.MaxNewTokens == 0:
		return invalid("max_new_tokens must be strictly positive")
	case p.MaxNewTokens > maxNewTokensCap:
		return invalid(fmt.Sprintf("max_new_tokens must be <= %d", maxNewTokensCap))
	case len(p.Stop) > maxStopSequences:
		return invalid(fmt.Sprintf("at most %d stop sequences are allowed, given: %d", maxStopSequences, len(p.Stop)))
	}

	inputLength := tokenCount(req.Inputs)
	if inputLength == 0 {
		return invalid("inputs cannot be empty")
	}
	if inputLength > v.maxInputLength {
		return invalid(fmt.Sprintf("inputs must have at most %d tokens, given: %d", v.maxInputLength, inputLength))
	}

	seed := p.Seed
	if p.DoSample && seed == nil {
		// The sampled path needs a reproducible seed for the details block.
		s := rand.Uint64()
		seed = &s
	}

	return validationResult{req: &client.Request{
		Inputs:      req.Inputs,
		InputLength: uint32(inputLength),
		Parameters: client.NextTokenChooserParameters{
			Temperature: p.Temperature,
			TopK:        p.TopK,
			TopP:        p.TopP,
			DoSample:    p.DoSample,
			Seed:        seed,
		},
		StoppingParameters: client.StoppingCriteriaParameters{
			MaxNewTokens:  p.MaxNewTokens,
			StopSequences: p.Stop,
		},
	}}
}

func invalid(reason string) validationResult {
	return validationResult{err: &ValidationError{Reason: reason}}
}

// tokenCount approximates the prompt length in tokens. The shards run the
// real tokenizer; this only has to be a stable upper-bound-ish proxy for the
// input length cap and batch shaping.
func tokenCount(inputs string) int {
	return len(strings.Fields(inputs))
}
