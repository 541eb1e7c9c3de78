package messages

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownType indicates a MSG_TYPE absent from the authority dictionary.
var ErrUnknownType = errors.New("unknown message type")

// Shape describes the expected key set of one message type. Values are
// never inspected; nested maps recurse into sub-shapes.
type Shape struct {
	Required map[string]*Shape
	Optional map[string]*Shape
}

// Authority validates message shapes against a dictionary before any
// handler sees them. Unknown or malformed messages are rejected.
type Authority struct {
	shapes map[string]*Shape
}

// NewAuthority builds an authority over an explicit shape dictionary.
func NewAuthority(shapes map[string]*Shape) *Authority {
	return &Authority{shapes: shapes}
}

// LoadAuthority reads a YAML shape dictionary. The document is
// ROOT: {MSG_TYPE: {KEY: null, ...}}; a key ending in "?" is optional,
// a key whose value is a map describes a nested shape.
func LoadAuthority(path string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read message dictionary %s: %w", path, err)
	}

	var doc struct {
		Root map[string]map[string]interface{} `yaml:"ROOT"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse message dictionary %s: %w", path, err)
	}

	shapes := make(map[string]*Shape, len(doc.Root))
	for msgType, keys := range doc.Root {
		shapes[msgType] = parseShape(keys)
	}
	return NewAuthority(shapes), nil
}

func parseShape(keys map[string]interface{}) *Shape {
	s := &Shape{
		Required: make(map[string]*Shape),
		Optional: make(map[string]*Shape),
	}
	for key, val := range keys {
		target := s.Required
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			target = s.Optional
		}
		if nested, ok := val.(map[string]interface{}); ok {
			target[key] = parseShape(nested)
		} else {
			target[key] = nil
		}
	}
	return s
}

// Validate checks a decoded body against the dictionary. Content is
// never compared, only the key sets.
func (a *Authority) Validate(b Body) error {
	msgType := b.Type()
	if msgType == "" {
		return fmt.Errorf("%w: missing %s", ErrBadShape, KeyMsgType)
	}
	shape, ok := a.shapes[msgType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, msgType)
	}
	if err := checkShape(map[string]interface{}(b), shape); err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	return nil
}

// Knows reports whether the dictionary has an entry for a message type.
func (a *Authority) Knows(msgType string) bool {
	_, ok := a.shapes[msgType]
	return ok
}

func checkShape(m map[string]interface{}, s *Shape) error {
	for key, nested := range s.Required {
		val, ok := m[key]
		if !ok {
			return fmt.Errorf("%w: missing key %s", ErrBadShape, key)
		}
		if err := checkNested(key, val, nested); err != nil {
			return err
		}
	}
	for key, val := range m {
		nested, required := s.Required[key]
		if !required {
			opt, ok := s.Optional[key]
			if !ok {
				return fmt.Errorf("%w: unexpected key %s", ErrBadShape, key)
			}
			nested = opt
		}
		if err := checkNested(key, val, nested); err != nil {
			return err
		}
	}
	return nil
}

func checkNested(key string, val interface{}, nested *Shape) error {
	if nested == nil {
		return nil
	}
	sub, ok := normalizeMap(val)
	if !ok {
		return fmt.Errorf("%w: key %s is not a map", ErrBadShape, key)
	}
	return checkShape(sub, nested)
}

// normalizeMap tolerates both decoded YAML maps and Body literals.
func normalizeMap(val interface{}) (map[string]interface{}, bool) {
	switch v := val.(type) {
	case map[string]interface{}:
		return v, true
	case Body:
		return map[string]interface{}(v), true
	}
	return nil, false
}

// DefaultAuthority covers every message type the core publishes or
// consumes. Deployments with extra traffic load a dictionary file.
func DefaultAuthority() *Authority {
	req := func(keys ...string) *Shape {
		s := &Shape{Required: map[string]*Shape{}, Optional: map[string]*Shape{}}
		for _, k := range keys {
			if strings.HasSuffix(k, "?") {
				s.Optional[strings.TrimSuffix(k, "?")] = nil
			} else {
				s.Required[k] = nil
			}
		}
		return s
	}

	shapes := map[string]*Shape{
		SummaryStateEvent:               req(KeyMsgType, KeyDevice, KeyCurrentState),
		SettingsAppliedEvent:            req(KeyMsgType, KeyDevice),
		AppliedSettingsMatchStartEvent:  req(KeyMsgType, KeyDevice),
		RecommendedSettingsVersionEvent: req(KeyMsgType, KeyDevice),
		ErrorCodeEvent:                  req(KeyMsgType, KeyDevice, KeyErrorCode),
		Fault:                           req(KeyMsgType, KeyComponent, KeyDevice, KeyFaultType, KeyErrorCode, KeyDescription),
		Telemetry:                       req(KeyMsgType, KeyDevice, KeyStatusCode, KeyDescription),
		RequestAckID:                    req(KeyMsgType, KeyReplyQueue),
		ResponseAckID:                   req(KeyMsgType, KeyAckID),
		NextVisit:                       req(KeyMsgType, KeyVisitID, KeyRA, KeyDec, KeyAngle),
	}

	// OCS commands share one shape apart from START's cfg key and
	// SET_VALUE's payload.
	cmdShape := req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID)
	for _, cmd := range []string{EnterControl, ExitControl, Enable, Disable, Standby, Abort, Stop, ResetFromFault} {
		shapes[cmd] = cmdShape
		shapes[AckType(cmd)] = req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID, KeyAckBool, KeyAckStatement)
	}
	shapes[Start] = req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID, KeyCfgKey+"?")
	shapes[AckType(Start)] = req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID, KeyAckBool, KeyAckStatement)
	shapes[SetValue] = req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID, KeyValue)
	shapes[AckType(SetValue)] = req(KeyMsgType, KeyDevice, KeyAckID, KeyCmdID, KeyAckBool, KeyAckStatement)

	shapes[StartInt] = req(KeyMsgType, KeyImageID, KeySessionID, KeyJobNum, KeyAckID, KeyReplyQueue,
		KeyImageIndex+"?", KeyImageSequenceName+"?", KeyImagesInSequence+"?",
		KeyRaftList+"?", KeyRaftCCDList+"?")
	shapes[EndReadout] = req(KeyMsgType, KeyImageID, KeyAckID+"?", KeyReplyQueue+"?",
		KeyImageIndex+"?", KeyImageSequenceName+"?", KeyImagesInSequence+"?")
	shapes[HeaderReady] = req(KeyMsgType, KeyFilename, KeyImageID, KeyAckID, KeyReplyQueue+"?")

	for _, dev := range []string{"AR", "PP", "CU", "AT"} {
		shapes[HealthCheckType(dev)] = req(KeyMsgType, KeyAckID, KeyReplyQueue)
		shapes[AckType(HealthCheckType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool)
		shapes[NewArchiveItemType(dev)] = req(KeyMsgType, KeyAckID, KeySessionID, KeyJobNum, KeyImageID, KeyReplyQueue)
		shapes[AckType(NewArchiveItemType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool, KeyTargetDir)
		shapes[XferParamsType(dev)] = &Shape{
			Required: map[string]*Shape{
				KeyMsgType: nil, KeySessionID: nil, KeyImageID: nil, KeyDevice: nil,
				KeyJobNum: nil, KeyAckID: nil, KeyReplyQueue: nil, KeyTargetLocation: nil,
				KeyXferParams: {
					Required: map[string]*Shape{KeyRaftList: nil, KeyRaftCCDList: nil, KeyATFwdr: nil},
					Optional: map[string]*Shape{},
				},
			},
			Optional: map[string]*Shape{},
		}
		shapes[AckType(XferParamsType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool)
		shapes[EndReadoutType(dev)] = req(KeyMsgType, KeyImageID, KeyJobNum, KeyAckID, KeyReplyQueue,
			KeySessionID+"?", KeyImageIndex+"?", KeyImageSequenceName+"?", KeyImagesInSequence+"?")
		shapes[AckType(EndReadoutType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool, KeyJobNum+"?", KeyResultSet+"?")
		shapes[HeaderReadyType(dev)] = req(KeyMsgType, KeyFilename, KeyImageID, KeyAckID, KeyReplyQueue)
		shapes[AckType(HeaderReadyType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool)
		shapes[ItemsXferdType(dev)] = req(KeyMsgType, KeyAckID, KeyReplyQueue, KeyResultSet)
		shapes[AckType(ItemsXferdType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool, KeyResultSet)
		shapes[StartIntType(dev)] = req(KeyMsgType, KeyImageID, KeySessionID, KeyJobNum, KeyAckID, KeyReplyQueue,
			KeyImageIndex+"?", KeyImageSequenceName+"?", KeyImagesInSequence+"?",
			KeyRaftList+"?", KeyRaftCCDList+"?", KeyVisitID+"?")
		shapes[StartIntAckType(dev)] = req(KeyMsgType, KeyComponent+"?", KeyAckID, KeyAckBool,
			KeyJobNum+"?", KeySessionID+"?", KeyImageID+"?")
		shapes[ReadoutAckType(dev)] = req(KeyMsgType, KeyAckID, KeyAckBool, KeyComponent+"?",
			KeyJobNum+"?", KeyImageID+"?", KeyResultSet+"?", KeyResultList+"?")
		shapes[NewSessionType(dev)] = req(KeyMsgType, KeySessionID, KeyAckID, KeyReplyQueue)
		shapes[AckType(NewSessionType(dev))] = req(KeyMsgType, KeyComponent, KeyAckID, KeyAckBool)
		shapes[DeviceEndReadoutType(dev)] = req(KeyMsgType, KeyImageID, KeyJobNum, KeyAckID, KeyReplyQueue,
			KeySessionID+"?", KeyImageIndex+"?", KeyImageSequenceName+"?", KeyImagesInSequence+"?")
		shapes[DeviceHeaderReadyType(dev)] = req(KeyMsgType, KeyFilename, KeyImageID, KeyAckID, KeyReplyQueue)
	}

	return NewAuthority(shapes)
}
