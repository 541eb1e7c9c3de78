package messages

import "fmt"

// Well-known message body keys. All wire messages are maps keyed by
// upper-snake-case strings.
const (
	KeyMsgType           = "MSG_TYPE"
	KeyDevice            = "DEVICE"
	KeyAckID             = "ACK_ID"
	KeyCmdID             = "CMD_ID"
	KeyCfgKey            = "CFG_KEY"
	KeyValue             = "VALUE"
	KeyAckBool           = "ACK_BOOL"
	KeyAckStatement      = "ACK_STATEMENT"
	KeyCurrentState      = "CURRENT_STATE"
	KeyComponent         = "COMPONENT"
	KeyFaultType         = "FAULT_TYPE"
	KeyErrorCode         = "ERROR_CODE"
	KeyDescription       = "DESCRIPTION"
	KeyStatusCode        = "STATUS_CODE"
	KeyImageID           = "IMAGE_ID"
	KeySessionID         = "SESSION_ID"
	KeyJobNum            = "JOB_NUM"
	KeyReplyQueue        = "REPLY_QUEUE"
	KeyTargetLocation    = "TARGET_LOCATION"
	KeyTargetDir         = "TARGET_DIR"
	KeyXferParams        = "XFER_PARAMS"
	KeyRaftList          = "RAFT_LIST"
	KeyRaftCCDList       = "RAFT_CCD_LIST"
	KeyATFwdr            = "AT_FWDR"
	KeyFilename          = "FILENAME"
	KeyResultSet         = "RESULT_SET"
	KeyCCDList           = "CCD_LIST"
	KeyResultList        = "RESULT_LIST"
	KeyFilenameList      = "FILENAME_LIST"
	KeyReceiptList       = "RECEIPT_LIST"
	KeyImageIndex        = "IMAGE_INDEX"
	KeyImageSequenceName = "IMAGE_SEQUENCE_NAME"
	KeyImagesInSequence  = "IMAGES_IN_SEQUENCE"
	KeySessionSeq        = "SESSION_SEQ"
	KeyRA                = "RA"
	KeyDec               = "DEC"
	KeyAngle             = "ANGLE"
	KeyVisitID           = "VISIT_ID"
)

// OCS command message types.
const (
	EnterControl   = "ENTER_CONTROL"
	ExitControl    = "EXIT_CONTROL"
	Start          = "START"
	Enable         = "ENABLE"
	Disable        = "DISABLE"
	Standby        = "STANDBY"
	SetValue       = "SET_VALUE"
	Abort          = "ABORT"
	Stop           = "STOP"
	ResetFromFault = "RESET_FROM_FAULT"
)

// OCS-visible event message types.
const (
	SummaryStateEvent               = "SUMMARY_STATE_EVENT"
	SettingsAppliedEvent            = "SETTINGS_APPLIED_EVENT"
	AppliedSettingsMatchStartEvent  = "APPLIED_SETTINGS_MATCH_START_EVENT"
	RecommendedSettingsVersionEvent = "RECOMMENDED_SETTINGS_VERSION_EVENT"
	ErrorCodeEvent                  = "ERROR_CODE_EVENT"
)

// Routing and service message types.
const (
	Fault         = "FAULT"
	Telemetry     = "TELEMETRY"
	StartInt      = "START_INTEGRATION"
	EndReadout    = "END_READOUT"
	HeaderReady   = "HEADER_READY"
	NewSession    = "NEW_SESSION"
	NextVisit     = "NEXT_VISIT"
	RequestAckID  = "REQUEST_ACK_ID"
	ResponseAckID = "RESPONSE_ACK_ID"
)

// Body is a wire message: a YAML map keyed by upper-snake-case strings.
type Body map[string]interface{}

// Type returns MSG_TYPE, or "" when absent.
func (b Body) Type() string { return b.str(KeyMsgType) }

// Device returns DEVICE, or "".
func (b Body) Device() string { return b.str(KeyDevice) }

// AckID returns ACK_ID, or "".
func (b Body) AckID() string { return b.str(KeyAckID) }

// Component returns COMPONENT, or "".
func (b Body) Component() string { return b.str(KeyComponent) }

// Str returns the string value at key, or "".
func (b Body) Str(key string) string { return b.str(key) }

// Bool returns the boolean value at key.
func (b Body) Bool(key string) bool {
	v, _ := b[key].(bool)
	return v
}

// Int returns the integer value at key, tolerating YAML's int decoding.
func (b Body) Int(key string) int {
	switch v := b[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StrSlice returns the string list at key, tolerating the
// []interface{} form YAML decoding produces.
func (b Body) StrSlice(key string) []string {
	return toStrSlice(b[key])
}

// StrSlices returns the list-of-string-lists at key.
func (b Body) StrSlices(key string) [][]string {
	switch v := b[key].(type) {
	case [][]string:
		return v
	case []interface{}:
		out := make([][]string, 0, len(v))
		for _, e := range v {
			out = append(out, toStrSlice(e))
		}
		return out
	}
	return nil
}

func toStrSlice(v interface{}) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	}
	return nil
}

// Float returns the floating point value at key, tolerating YAML's
// numeric decoding.
func (b Body) Float(key string) float64 {
	switch v := b[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Map returns the nested map at key, nil if absent or not a map.
func (b Body) Map(key string) map[string]interface{} {
	switch v := b[key].(type) {
	case map[string]interface{}:
		return v
	case Body:
		return v
	}
	return nil
}

func (b Body) str(key string) string {
	switch v := b[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Clone returns a shallow copy of the body.
func (b Body) Clone() Body {
	out := make(Body, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Device-prefixed message type composition. The auxtel device talks to
// its forwarders as AT_FWDR_HEALTH_CHECK, to its archive controller as
// NEW_AT_ARCHIVE_ITEM, and so on.
func HealthCheckType(device string) string     { return device + "_FWDR_HEALTH_CHECK" }
func NewArchiveItemType(device string) string  { return "NEW_" + device + "_ARCHIVE_ITEM" }
func XferParamsType(device string) string      { return device + "_FWDR_XFER_PARAMS" }
func EndReadoutType(device string) string      { return device + "_FWDR_END_READOUT" }
func HeaderReadyType(device string) string     { return device + "_FWDR_HEADER_READY" }
func ItemsXferdType(device string) string      { return device + "_ITEMS_XFERD" }
func StartIntType(device string) string        { return device + "_" + StartInt }
func StartIntAckType(device string) string     { return device + "_" + StartInt + "_ACK" }
func ReadoutAckType(device string) string      { return device + "_READOUT_ACK" }
func NewSessionType(device string) string      { return device + "_" + NewSession }
func DeviceEndReadoutType(device string) string  { return device + "_" + EndReadout }
func DeviceHeaderReadyType(device string) string { return device + "_" + HeaderReady }

// AckType returns the ack variant of any message type.
func AckType(msgType string) string { return msgType + "_ACK" }

// NewCommandAck builds a <CMD>_ACK reply for an OCS command.
func NewCommandAck(cmdType, device, ackID, cmdID string, ackBool bool, statement string) Body {
	return Body{
		KeyMsgType:      AckType(cmdType),
		KeyDevice:       device,
		KeyAckID:        ackID,
		KeyCmdID:        cmdID,
		KeyAckBool:      ackBool,
		KeyAckStatement: statement,
	}
}

// NewSummaryStateEvent reports a device's current state to the OCS.
func NewSummaryStateEvent(device, state string) Body {
	return Body{
		KeyMsgType:      SummaryStateEvent,
		KeyDevice:       device,
		KeyCurrentState: state,
	}
}

// NewEvent builds a bare OCS event with no payload beyond the device.
func NewEvent(eventType, device string) Body {
	return Body{
		KeyMsgType: eventType,
		KeyDevice:  device,
	}
}

// NewErrorCodeEvent reports the error code behind a FAULT transition.
func NewErrorCodeEvent(device string, errorCode int) Body {
	return Body{
		KeyMsgType:   ErrorCodeEvent,
		KeyDevice:    device,
		KeyErrorCode: errorCode,
	}
}

// NewFault builds a FAULT report.
func NewFault(component, device, faultType string, errorCode int, description string) Body {
	return Body{
		KeyMsgType:     Fault,
		KeyComponent:   component,
		KeyDevice:      device,
		KeyFaultType:   faultType,
		KeyErrorCode:   errorCode,
		KeyDescription: description,
	}
}

// NewTelemetry builds a TELEMETRY report for the telemetry queue.
func NewTelemetry(device string, statusCode int, description string) Body {
	return Body{
		KeyMsgType:     Telemetry,
		KeyDevice:      device,
		KeyStatusCode:  statusCode,
		KeyDescription: description,
	}
}

// NewXferParams builds the transfer-parameter message programmed into a
// forwarder. TargetLocation is login@ip:dir.
func NewXferParams(device, sessionID, imageID, jobNum, ackID, replyQueue, targetLocation, fwdrName string, raftList []string, raftCCDList [][]string) Body {
	return Body{
		KeyMsgType:        XferParamsType(device),
		KeySessionID:      sessionID,
		KeyImageID:        imageID,
		KeyDevice:         device,
		KeyJobNum:         jobNum,
		KeyAckID:          ackID,
		KeyReplyQueue:     replyQueue,
		KeyTargetLocation: targetLocation,
		KeyXferParams: Body{
			KeyRaftList:    raftList,
			KeyRaftCCDList: raftCCDList,
			KeyATFwdr:      fwdrName,
		},
	}
}
