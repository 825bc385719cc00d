package llm

import "errors"

// ErrProviderExhausted is surfaced when every key for the resolved
// provider has been invalidated; the calling pipeline fails its chunk.
var ErrProviderExhausted = errors.New("LLM provider exhausted: no usable API keys")

// ErrEmptyResponse is returned when the provider produced no content.
var ErrEmptyResponse = errors.New("LLM returned empty response")

// ErrMalformedResponse is returned when the response cannot be parsed
// as JSON even after the repair pass. Not retriable by key rotation.
var ErrMalformedResponse = errors.New("LLM response is not valid JSON")

// ErrSchemaViolation is returned when the parsed object is missing
// required fields or has the wrong shapes.
var ErrSchemaViolation = errors.New("LLM response violates expected schema")
