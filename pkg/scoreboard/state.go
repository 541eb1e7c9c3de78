package scoreboard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
)

// Device hash fields and registry keys.
const (
	fieldState        = "STATE"
	fieldConsumeQueue = "CONSUME_QUEUE"
	fieldCfgKey       = "CFG_KEY"
	fieldCfgKeys      = "CFG_KEYS"
	fieldOpenTime     = "OPEN_TIME"
	fieldBoresight    = "BORESIGHT"

	keyDevices        = "DEVICES"
	keyCurrentSession = "CURRENT_SESSION"
	keyVisitList      = "VISIT_LIST"

	faultHistorySuffix = ":FAULT_HISTORY"
	sessionPrefix      = "SESSION:"
	visitPrefix        = "VISIT:"
)

// StateScoreboard is the authoritative record of per-device lifecycle
// state, configuration keys, the current session, visits, and the
// fault history.
type StateScoreboard struct {
	store  Store
	logger zerolog.Logger
}

// NewStateScoreboard wraps a store with the state-board schema. The
// store is guarded by the mandatory connection check.
func NewStateScoreboard(store Store) *StateScoreboard {
	return &StateScoreboard{
		store:  NewChecked(store),
		logger: log.WithComponent("state-scoreboard"),
	}
}

// AddDevice registers a device with its consume queue and ordered
// allowed configuration keys. The first key is the default.
func (s *StateScoreboard) AddDevice(ctx context.Context, device, consumeQueue string, cfgKeys []string) error {
	if err := s.store.HSet(ctx, keyDevices, device, consumeQueue); err != nil {
		return fmt.Errorf("register device %s: %w", device, err)
	}
	if err := s.store.HSet(ctx, device, fieldConsumeQueue, consumeQueue); err != nil {
		return err
	}
	encoded, err := encodeValue(cfgKeys)
	if err != nil {
		return err
	}
	if err := s.store.HSet(ctx, device, fieldCfgKeys, encoded); err != nil {
		return err
	}
	if len(cfgKeys) > 0 {
		if err := s.store.HSet(ctx, device, fieldCfgKey, cfgKeys[0]); err != nil {
			return err
		}
	}
	return nil
}

// Devices returns every registered device name.
func (s *StateScoreboard) Devices(ctx context.Context) ([]string, error) {
	return s.store.HKeys(ctx, keyDevices)
}

// SetDeviceState records a device's lifecycle state.
func (s *StateScoreboard) SetDeviceState(ctx context.Context, device, state string) error {
	s.logger.Debug().Str("device", device).Str("state", state).Msg("setting device state")
	return s.store.HSet(ctx, device, fieldState, state)
}

// DeviceState returns a device's lifecycle state, "" if unknown.
func (s *StateScoreboard) DeviceState(ctx context.Context, device string) (string, error) {
	return s.store.HGet(ctx, device, fieldState)
}

// DevicesByState returns every device currently in the given state.
func (s *StateScoreboard) DevicesByState(ctx context.Context, state string) ([]string, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range devices {
		st, err := s.DeviceState(ctx, d)
		if err != nil {
			return nil, err
		}
		if st == state {
			out = append(out, d)
		}
	}
	return out, nil
}

// ConsumeQueue returns a device's inbound queue name.
func (s *StateScoreboard) ConsumeQueue(ctx context.Context, device string) (string, error) {
	return s.store.HGet(ctx, device, fieldConsumeQueue)
}

// SetCfgKey records the device's current configuration key.
func (s *StateScoreboard) SetCfgKey(ctx context.Context, device, key string) error {
	return s.store.HSet(ctx, device, fieldCfgKey, key)
}

// CfgKey returns the device's current configuration key.
func (s *StateScoreboard) CfgKey(ctx context.Context, device string) (string, error) {
	return s.store.HGet(ctx, device, fieldCfgKey)
}

// CfgKeys returns the device's ordered allowed configuration keys.
func (s *StateScoreboard) CfgKeys(ctx context.Context, device string) ([]string, error) {
	raw, err := s.store.HGet(ctx, device, fieldCfgKeys)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var keys []string
	if err := decodeValue(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// HasCfgKey reports whether a key is in the device's allowed list.
func (s *StateScoreboard) HasCfgKey(ctx context.Context, device, key string) (bool, error) {
	keys, err := s.CfgKeys(ctx, device)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// AppendFault appends a serialized fault record to the device's
// FAULT_HISTORY list. The history is append-only.
func (s *StateScoreboard) AppendFault(ctx context.Context, device string, fault messages.Body) error {
	encoded, err := encodeValue(map[string]interface{}(fault))
	if err != nil {
		return err
	}
	return s.store.LPush(ctx, device+faultHistorySuffix, encoded)
}

// FaultHistory returns the device's fault records, newest first.
func (s *StateScoreboard) FaultHistory(ctx context.Context, device string) ([]messages.Body, error) {
	raw, err := s.store.LRange(ctx, device+faultHistorySuffix, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]messages.Body, 0, len(raw))
	for _, r := range raw {
		var m map[string]interface{}
		if err := decodeValue(r, &m); err != nil {
			return nil, err
		}
		out = append(out, messages.Body(m))
	}
	return out, nil
}

// SetCurrentSession marks a session current and records its opening time.
func (s *StateScoreboard) SetCurrentSession(ctx context.Context, sessionID string, openedAt time.Time) error {
	if err := s.store.Set(ctx, keyCurrentSession, sessionID); err != nil {
		return err
	}
	return s.store.HSet(ctx, sessionPrefix+sessionID, fieldOpenTime, openedAt.UTC().Format(time.RFC3339))
}

// CurrentSession returns the current session id, "" if none.
func (s *StateScoreboard) CurrentSession(ctx context.Context) (string, error) {
	return s.store.Get(ctx, keyCurrentSession)
}

// SetVisit pushes a new current visit with its boresight.
func (s *StateScoreboard) SetVisit(ctx context.Context, visitID string, ra, dec, angle float64) error {
	encoded, err := encodeValue(map[string]float64{"RA": ra, "DEC": dec, "ANGLE": angle})
	if err != nil {
		return err
	}
	if err := s.store.HSet(ctx, visitPrefix+visitID, fieldBoresight, encoded); err != nil {
		return err
	}
	return s.store.LPush(ctx, keyVisitList, visitID)
}

// CurrentVisit returns the head of the visit list, "" if none.
func (s *StateScoreboard) CurrentVisit(ctx context.Context) (string, error) {
	head, err := s.store.LRange(ctx, keyVisitList, 0, 0)
	if err != nil || len(head) == 0 {
		return "", err
	}
	return head[0], nil
}

// Boresight returns the (ra, dec, angle) recorded for a visit.
func (s *StateScoreboard) Boresight(ctx context.Context, visitID string) (ra, dec, angle float64, err error) {
	raw, err := s.store.HGet(ctx, visitPrefix+visitID, fieldBoresight)
	if err != nil {
		return 0, 0, 0, err
	}
	if raw == "" {
		return 0, 0, 0, fmt.Errorf("no boresight recorded for visit %s", visitID)
	}
	var m map[string]float64
	if err := decodeValue(raw, &m); err != nil {
		return 0, 0, 0, err
	}
	return m["RA"], m["DEC"], m["ANGLE"], nil
}
