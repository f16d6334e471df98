package indicator

import (
	"encoding/json"
	"fmt"
	"time"
)

const snapshotVersion = 1

// InstrumentSnapshot holds the serialized state of one instrument.
type InstrumentSnapshot struct {
	Key    string       `json:"key"` // "exchange:token"
	VWAP   VWAP         `json:"vwap"`
	OR     OpeningRange `json:"or"`
	LastTS time.Time    `json:"last_ts"`
}

// EngineSnapshot holds the full state of the indicator engine for a session.
type EngineSnapshot struct {
	Version     int                  `json:"version"` // schema version for forward compat
	Session     string               `json:"session"` // IST date
	Instruments []InstrumentSnapshot `json:"instruments"`
}

// SnapshotEngine captures the full state of an Engine.
func SnapshotEngine(e *Engine) *EngineSnapshot {
	snap := &EngineSnapshot{Version: snapshotVersion, Session: e.session}
	for key, st := range e.state {
		snap.Instruments = append(snap.Instruments, InstrumentSnapshot{
			Key:    key,
			VWAP:   *st.vwap,
			OR:     *st.or,
			LastTS: st.lastTS,
		})
	}
	return snap
}

// RestoreEngine replaces the engine state with the snapshot. Snapshots from
// another session or schema version are rejected.
func RestoreEngine(e *Engine, snap *EngineSnapshot, session string) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("indicator: snapshot version %d not supported", snap.Version)
	}
	if snap.Session != session {
		return fmt.Errorf("indicator: snapshot session %s does not match %s", snap.Session, session)
	}
	e.ResetSession(session)
	for _, is := range snap.Instruments {
		vw := is.VWAP
		or := is.OR
		if vw.CumVolume < 0 {
			return fmt.Errorf("indicator: snapshot %s has negative volume", is.Key)
		}
		e.state[is.Key] = &instrumentState{vwap: &vw, or: &or, lastTS: is.LastTS}
	}
	return nil
}

// Marshal encodes the snapshot.
func (s *EngineSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot.
func UnmarshalSnapshot(data []byte) (*EngineSnapshot, error) {
	var s EngineSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("indicator: decode snapshot: %w", err)
	}
	return &s, nil
}
