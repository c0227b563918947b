package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Payload is the unit both requests and responses carry. On the wire it is
// the compact array [request_id, method, params, ts]; the struct form only
// exists for Go code.
type Payload struct {
	// RequestID correlates a response with its request. Clients pick the
	// value; notifications use zero.
	RequestID uint64 `json:"request_id"`
	// Method names the operation, or the event type for notifications.
	Method string `json:"method"`
	// Params holds the method arguments or result fields.
	Params Params `json:"params"`
	// Timestamp is Unix milliseconds at creation, used for expiry checks.
	Timestamp uint64 `json:"ts"`
}

// NewPayload assembles a payload stamped with the current time.
func NewPayload(id uint64, method string, params Params) Payload {
	if params == nil {
		params = Params{}
	}

	return Payload{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Bytes returns the compact array encoding, which is what signatures cover.
func (p Payload) Bytes() ([]byte, error) {
	return json.Marshal(p)
}

// Hash returns the keccak256 digest of the compact array encoding. Signers
// sign this digest; verifiers recompute it from the same encoding.
func (p Payload) Hash() ([]byte, error) {
	data, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

// MarshalJSON emits the four-element array form.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		p.RequestID,
		p.Method,
		p.Params,
		p.Timestamp,
	})
}

// UnmarshalJSON parses the four-element array form, validating the type of
// every element.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("payload is not a JSON array: %w", err)
	}
	if len(elems) != 4 {
		return errors.New("payload must have exactly 4 elements")
	}

	if err := json.Unmarshal(elems[0], &p.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(elems[1], &p.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(elems[2], &p.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(elems[3], &p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	return nil
}

// Params carries method arguments as raw JSON keyed by field name. Values
// stay unparsed until a handler translates them into its own type, which
// keeps unknown fields harmless and lets each method define its own shape.
type Params map[string]json.RawMessage

// NewParams converts any JSON object value into Params. A nil value yields
// empty params.
func NewParams(v any) (Params, error) {
	if v == nil {
		return Params{}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error marshalling params: %w", err)
	}
	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("error unmarshalling params: %w", err)
	}
	return params, nil
}

// Translate unmarshals the params into v, which should be a pointer to the
// method's request or response type.
func (p Params) Translate(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshalling params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling params: %w", err)
	}
	return nil
}

// Error returns the Error carried in the params, or nil when the params do
// not contain one. A missing or unparsable code defaults to CodeInternal.
func (p Params) Error() error {
	msgRaw, ok := p[errorMessageKey]
	if !ok {
		return nil
	}

	var msg string
	if err := json.Unmarshal(msgRaw, &msg); err != nil {
		return nil
	}

	code := CodeInternal
	if codeRaw, ok := p[errorCodeKey]; ok {
		var parsed int
		if err := json.Unmarshal(codeRaw, &parsed); err == nil {
			code = Code(parsed)
		}
	}

	return Error{Code: code, Message: msg}
}
