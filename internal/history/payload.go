package history

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload is the single parameter change carried by an edit event.
type Payload struct {
	Param string  `json:"param"`
	Value float64 `json:"value"`
}

// Encode returns the payload's stored JSON form. NaN and infinite values
// have no JSON form and are rejected with ErrInvalidPayload.
func (p Payload) Encode() (string, error) {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return "", fmt.Errorf("%w: %s value %v is not finite", ErrInvalidPayload, p.Param, p.Value)
	}
	if strings.TrimSpace(p.Param) == "" {
		return "", fmt.Errorf("%w: param must not be empty", ErrInvalidPayload)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(data), nil
}

// Reasons an event is skipped during replay.
const (
	SkipInvalidJSON  = "invalid json"
	SkipMissingParam = "missing param"
	SkipMissingValue = "missing value"
)

// PayloadError describes why a stored payload did not yield a parameter change.
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload: %s: %v", e.Reason, e.Err)
	}
	return "payload: " + e.Reason
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// ParsePayload decodes a stored payload. A payload must be a JSON object
// with a non-empty string "param" and a numeric "value".
func ParsePayload(raw string) (Payload, error) {
	var v struct {
		Param *string  `json:"param"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Payload{}, &PayloadError{Reason: SkipInvalidJSON, Err: err}
	}
	if v.Param == nil || strings.TrimSpace(*v.Param) == "" {
		return Payload{}, &PayloadError{Reason: SkipMissingParam}
	}
	if v.Value == nil {
		return Payload{}, &PayloadError{Reason: SkipMissingValue}
	}
	return Payload{Param: *v.Param, Value: *v.Value}, nil
}

const payloadSchemaURL = "edit-payload.schema.json"

const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["param", "value"],
  "properties": {
    "param": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "value": {"type": "number"}
  }
}`

var payloadSchema = jsonschema.MustCompileString(payloadSchemaURL, payloadSchemaJSON)

// ValidatePayload checks raw against the edit payload schema. It is only
// used in strict mode; the log itself accepts anything.
func ValidatePayload(raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func encodeState(params map[string]float64) (string, error) {
	if params == nil {
		params = map[string]float64{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

func decodeState(raw string) (map[string]float64, error) {
	params := map[string]float64{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if params == nil {
		params = map[string]float64{}
	}
	return params, nil
}
