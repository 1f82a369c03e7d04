// Wire types exchanged with the text-generation shards.
// Batches are built by the router queue; cached batch descriptors come back
// from the shards and are opaque to everything except their id and size.

package client

// NextTokenChooserParameters control sampling for one request.
type NextTokenChooserParameters struct {
	Temperature float32 `json:"temperature"`
	TopK        uint32  `json:"top_k"`
	TopP        float32 `json:"top_p"`
	DoSample    bool    `json:"do_sample"`
	Seed        *uint64 `json:"seed,omitempty"`
}

// StoppingCriteriaParameters control when a request stops generating.
type StoppingCriteriaParameters struct {
	MaxNewTokens  uint32   `json:"max_new_tokens"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Request is one validated generation request as the shards see it.
type Request struct {
	ID                 uint64                     `json:"id"`
	Inputs             string                     `json:"inputs"`
	InputLength        uint32                     `json:"input_length"`
	Parameters         NextTokenChooserParameters `json:"parameters"`
	StoppingParameters StoppingCriteriaParameters `json:"stopping_parameters"`
}

// Batch hands a set of requests to a single backend call. After a call the
// backend returns a descriptor for the subset still generating; such cached
// descriptors carry no request payloads, only the id and surviving size.
type Batch struct {
	ID       uint64     `json:"id"`
	Requests []*Request `json:"requests,omitempty"`
	Size     uint32     `json:"size"`
}

// PrefillTokens are the prompt tokens of one request with their logprobs.
type PrefillTokens struct {
	IDs      []uint32  `json:"ids"`
	Texts    []string  `json:"texts"`
	Logprobs []float64 `json:"logprobs"`
}

// GeneratedText marks a request terminal and carries its full output.
type GeneratedText struct {
	Text            string  `json:"text"`
	GeneratedTokens uint32  `json:"generated_tokens"`
	FinishReason    string  `json:"finish_reason"`
	Seed            *uint64 `json:"seed,omitempty"`
}

// Generation is the per-request result of one prefill or decode step.
// PrefillTokens is set on the first step of a request only; GeneratedText is
// set once the request reaches a stopping criterion.
type Generation struct {
	RequestID     uint64         `json:"request_id"`
	PrefillTokens *PrefillTokens `json:"prefill_tokens,omitempty"`
	TokenID       uint32         `json:"token_id"`
	TokenText     string         `json:"token_text"`
	TokenLogprob  float64        `json:"token_logprob"`
	GeneratedText *GeneratedText `json:"generated_text,omitempty"`
}
