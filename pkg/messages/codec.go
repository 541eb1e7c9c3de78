package messages

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrBadShape indicates a message failed decoding or shape validation.
var ErrBadShape = errors.New("bad message shape")

// Encode serializes a body to its YAML wire form.
func Encode(b Body) ([]byte, error) {
	if b.Type() == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrBadShape, KeyMsgType)
	}
	data, err := yaml.Marshal(map[string]interface{}(b))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", b.Type(), err)
	}
	return data, nil
}

// Decode parses a YAML wire document into a body. The document must be
// a map with a MSG_TYPE key.
func Decode(data []byte) (Body, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	b := Body(raw)
	if b.Type() == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrBadShape, KeyMsgType)
	}
	return b, nil
}
