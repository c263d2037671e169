package providers

import (
	"encoding/json"
	"fmt"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

// Envelope is a decoded top-level request body whose fields can be removed
// or injected by cloud backends before forwarding.
type Envelope map[string]json.RawMessage

// DecodeEnvelope parses a JSON object body.
func DecodeEnvelope(provider string, body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode request body").WithProvider(provider)
	}
	if env == nil {
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, "request body must be a JSON object").WithProvider(provider)
	}
	return env, nil
}

// TakeString removes key and returns its string value.
func (e Envelope) TakeString(key string) (string, bool) {
	raw, ok := e[key]
	if !ok {
		return "", false
	}
	delete(e, key)
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// SetString sets key to a JSON string.
func (e Envelope) SetString(key, value string) {
	b, _ := json.Marshal(value)
	e[key] = b
}

// Encode renders the envelope. Keys are emitted in sorted order.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage(e))
}

// Unsupported returns a FeatureNotSupported error for an endpoint.
func Unsupported(provider string, req *Request) error {
	return sdkerrors.New(sdkerrors.KindFeatureNotSupported,
		fmt.Sprintf("%s is not available on %s", req.Path, provider)).
		WithProvider(provider).WithEndpoint(req.Endpoint())
}
