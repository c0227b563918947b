package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/layer-3/tollgate/pkg/sign"
)

// Request is a signed payload travelling client to server.
type Request struct {
	Req Payload          `json:"req"`
	Sig []sign.Signature `json:"sig"`
	// AppSessionID scopes the request to an application session. Only
	// app-session methods set it.
	AppSessionID string `json:"sid,omitempty"`
}

// NewRequest wraps a payload with zero or more signatures.
func NewRequest(payload Payload, sigs ...sign.Signature) Request {
	return Request{Req: payload, Sig: sigs}
}

// GetSigners recovers the addresses that signed the request payload.
func (r *Request) GetSigners() ([]string, error) {
	return recoverPayloadSigners(r.Req, r.Sig)
}

// Response is a signed payload travelling server to client, either a reply
// or a notification.
type Response struct {
	Res Payload          `json:"res"`
	Sig []sign.Signature `json:"sig"`
}

// NewResponse wraps a payload with zero or more signatures.
func NewResponse(payload Payload, sigs ...sign.Signature) Response {
	return Response{Res: payload, Sig: sigs}
}

// GetSigners recovers the addresses that signed the response payload.
func (r *Response) GetSigners() ([]string, error) {
	return recoverPayloadSigners(r.Res, r.Sig)
}

// Error returns the coded error carried by an error response, or nil for
// any other method.
func (r *Response) Error() error {
	if r.Res.Method != ErrorMethod.String() {
		return nil
	}
	if err := r.Res.Params.Error(); err != nil {
		return err
	}
	return Error{Code: CodeInternal, Message: "unknown error"}
}

// NewErrorResponse builds a response for the error method carrying the
// given coded error, reusing the failed request's id so callers can match
// it.
func NewErrorResponse(requestID uint64, rpcErr Error, sigs ...sign.Signature) Response {
	payload := NewPayload(requestID, ErrorMethod.String(), NewErrorParams(rpcErr))
	return NewResponse(payload, sigs...)
}

// recoverPayloadSigners recovers one address per signature over the
// payload's compact array encoding. Recovery hashes the encoding the same
// way signing does, so a signature produced over Payload.Hash verifies
// here.
func recoverPayloadSigners(payload Payload, sigs []sign.Signature) ([]string, error) {
	payloadBytes, err := payload.Bytes()
	if err != nil {
		return nil, fmt.Errorf("error marshalling payload: %w", err)
	}

	signers := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		recoverer, err := sign.NewAddressRecovererFromSignature(sig)
		if err != nil {
			return nil, fmt.Errorf("error creating address recoverer: %w", err)
		}

		addr, err := recoverer.RecoverAddress(payloadBytes, sig)
		if err != nil {
			return nil, fmt.Errorf("error recovering signer address: %w", err)
		}
		signers = append(signers, addr.String())
	}
	return signers, nil
}

// ParseRequest decodes a raw websocket message into a Request, rejecting
// anything that is not a well formed signed payload.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, NewError(CodeParseError, "failed to parse message")
	}
	if req.Req.Method == "" {
		return Request{}, NewError(CodeInvalidRequest, "missing method")
	}
	return req, nil
}
