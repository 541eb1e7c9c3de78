package messages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Body{
		KeyMsgType:    StartInt,
		KeyImageID:    "AT_O_20250102_000123",
		KeySessionID:  "Session_100",
		KeyJobNum:     "Session_100_1002",
		KeyAckID:      "START_INT_2025-01-02_10_30_00-000004",
		KeyReplyQueue: "dmcs_ack_consume",
		KeyImageIndex: 3,
	}

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}(original), map[string]interface{}(decoded))
}

func TestEncodeRejectsMissingType(t *testing.T) {
	_, err := Encode(Body{KeyDevice: "AT"})
	assert.ErrorIs(t, err, ErrBadShape)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not yaml map", data: "- a\n- b\n"},
		{name: "missing msg type", data: "DEVICE: AT\n"},
		{name: "garbage", data: ":\n\t:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrBadShape)
		})
	}
}

func TestBodyAccessors(t *testing.T) {
	b := Body{
		KeyMsgType:   Fault,
		KeyDevice:    "AT",
		KeyComponent: "at_fwdr_01",
		KeyAckID:     "ack_1",
		KeyAckBool:   true,
		KeyErrorCode: 5751,
	}

	assert.Equal(t, Fault, b.Type())
	assert.Equal(t, "AT", b.Device())
	assert.Equal(t, "at_fwdr_01", b.Component())
	assert.Equal(t, "ack_1", b.AckID())
	assert.True(t, b.Bool(KeyAckBool))
	assert.Equal(t, 5751, b.Int(KeyErrorCode))
	assert.Equal(t, "", b.Str("ABSENT"))
}

func TestAuthorityValidate(t *testing.T) {
	auth := DefaultAuthority()

	tests := []struct {
		name    string
		body    Body
		wantErr error
	}{
		{
			name: "valid command",
			body: Body{KeyMsgType: EnterControl, KeyDevice: "AT", KeyAckID: "a1", KeyCmdID: "c1"},
		},
		{
			name: "start with optional cfg key",
			body: Body{KeyMsgType: Start, KeyDevice: "AT", KeyAckID: "a1", KeyCmdID: "c1", KeyCfgKey: "normal"},
		},
		{
			name: "start without cfg key",
			body: Body{KeyMsgType: Start, KeyDevice: "AT", KeyAckID: "a1", KeyCmdID: "c1"},
		},
		{
			name:    "unknown type",
			body:    Body{KeyMsgType: "WIBBLE"},
			wantErr: ErrUnknownType,
		},
		{
			name:    "missing required key",
			body:    Body{KeyMsgType: EnterControl, KeyDevice: "AT", KeyAckID: "a1"},
			wantErr: ErrBadShape,
		},
		{
			name:    "unexpected key",
			body:    Body{KeyMsgType: EnterControl, KeyDevice: "AT", KeyAckID: "a1", KeyCmdID: "c1", "EXTRA": 1},
			wantErr: ErrBadShape,
		},
		{
			name:    "missing msg type",
			body:    Body{KeyDevice: "AT"},
			wantErr: ErrBadShape,
		},
		{
			name: "valid fault",
			body: NewFault("FOREMAN", "AT", "FAULT", 5751, "no health check response"),
		},
		{
			// the forwarder readout relay carries the full sequence context
			name: "forwarder end readout with sequence keys",
			body: Body{
				KeyMsgType: EndReadoutType("AT"), KeyImageID: "IMG_1",
				KeyJobNum: "Session_100_1", KeyAckID: "a1", KeyReplyQueue: "q",
				KeySessionID: "Session_100", KeyImageSequenceName: "seq_1",
				KeyImagesInSequence: 3, KeyImageIndex: 0,
			},
		},
		{
			name: "valid summary state event",
			body: NewSummaryStateEvent("AT", "ENABLE"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Validate(tt.body)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuthorityNestedXferParams(t *testing.T) {
	auth := DefaultAuthority()

	body := NewXferParams("AT", "Session_100", "IMG_100", "Session_100_1002",
		"AT_FWDR_PARAMS_ACK_2025-01-02_10_30_00-000007", "at_foreman_ack_publish",
		"iip@141.142.238.15:/data/2025-01-02", "at_fwdr_01",
		[]string{"ats_wfs_raft"}, [][]string{{"ats_wfs_ccd"}})
	assert.NoError(t, auth.Validate(body))

	// nested shape mismatch
	broken := body.Clone()
	broken[KeyXferParams] = Body{KeyRaftList: []string{"r1"}}
	assert.ErrorIs(t, auth.Validate(broken), ErrBadShape)

	// nested value not a map
	broken = body.Clone()
	broken[KeyXferParams] = "nope"
	assert.ErrorIs(t, auth.Validate(broken), ErrBadShape)
}

func TestAuthorityRoundTripThroughWire(t *testing.T) {
	// Shape checks must hold on decoded messages, whose nested maps are
	// plain map[string]interface{} rather than Body.
	auth := DefaultAuthority()
	body := NewXferParams("AT", "s", "i", "j", "a", "q", "t", "f",
		[]string{"r"}, [][]string{{"c"}})

	data, err := Encode(body)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.NoError(t, auth.Validate(decoded))
}

func TestLoadAuthority(t *testing.T) {
	doc := `
ROOT:
  PING:
    MSG_TYPE: null
    REPLY_QUEUE: null
    NOTE?: null
  NESTED:
    MSG_TYPE: null
    PAYLOAD:
      A: null
      B: null
`
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	auth, err := LoadAuthority(path)
	require.NoError(t, err)

	assert.True(t, auth.Knows("PING"))
	assert.False(t, auth.Knows("PONG"))

	assert.NoError(t, auth.Validate(Body{KeyMsgType: "PING", KeyReplyQueue: "q"}))
	assert.NoError(t, auth.Validate(Body{KeyMsgType: "PING", KeyReplyQueue: "q", "NOTE": "x"}))
	assert.ErrorIs(t, auth.Validate(Body{KeyMsgType: "PING"}), ErrBadShape)

	assert.NoError(t, auth.Validate(Body{
		KeyMsgType: "NESTED",
		"PAYLOAD":  map[string]interface{}{"A": 1, "B": 2},
	}))
	assert.ErrorIs(t, auth.Validate(Body{
		KeyMsgType: "NESTED",
		"PAYLOAD":  map[string]interface{}{"A": 1},
	}), ErrBadShape)
}

func TestLoadAuthorityMissingFile(t *testing.T) {
	_, err := LoadAuthority(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
