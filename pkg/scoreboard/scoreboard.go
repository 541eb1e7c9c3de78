package scoreboard

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scoreboard names as they appear under ROOT.SCOREBOARDS in the system
// configuration. The configured value is the store database index.
const (
	StateBoard    = "DMCS_STATE_SCBD"
	JobBoard      = "DMCS_JOB_SCBD"
	AckBoard      = "DMCS_ACK_SCBD"
	SequenceBoard = "DMCS_SEQUENCE_SCBD"
	BacklogBoard  = "DMCS_BACKLOG_SCBD"
)

// encodeValue serializes a nested structure (schedules, result sets,
// fault records) into the reversible text form stored in the board.
func encodeValue(v interface{}) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode scoreboard value: %w", err)
	}
	return string(data), nil
}

// decodeValue reverses encodeValue.
func decodeValue(s string, out interface{}) error {
	if err := yaml.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("failed to decode scoreboard value: %w", err)
	}
	return nil
}
