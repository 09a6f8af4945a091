package ptysession

import (
	"encoding/json"
	"time"
)

// EnvVar is one entry of a session's ordered environment list.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Status is the coarse lifecycle state reported to clients.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Metadata mirrors the on-wire/on-disk view of a session. Extra preserves
// any JSON object keys this build doesn't recognize, so a metadata file
// written by a newer daemon still round-trips losslessly through an older
// one (forward compatibility, per the on-disk-state contract).
type Metadata struct {
	ID           string                     `json:"id"`
	Tag          string                     `json:"tag"`
	Command      []string                   `json:"command"`
	WorkingDir   string                     `json:"working_dir"`
	Env          []EnvVar                   `json:"env"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastActivity time.Time                  `json:"last_activity"`
	Cols         int                        `json:"cols"`
	Rows         int                        `json:"rows"`
	Pid          *int                       `json:"pid"`
	ExitCode     *int                       `json:"exit_code"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// Status derives the coarse lifecycle state from ExitCode.
func (m Metadata) Status() Status {
	if m.ExitCode != nil {
		return StatusExited
	}
	return StatusRunning
}

// clone returns a deep-enough copy safe to hand to callers outside the lock
// that guards the live metadata.
func (m Metadata) clone() Metadata {
	out := m
	out.Command = append([]string(nil), m.Command...)
	out.Env = append([]EnvVar(nil), m.Env...)
	if m.Pid != nil {
		pid := *m.Pid
		out.Pid = &pid
	}
	if m.ExitCode != nil {
		code := *m.ExitCode
		out.ExitCode = &code
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MarshalJSON re-emits Extra's unknown keys alongside the known fields, so
// fields this build doesn't understand survive a load/save round trip.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type known Metadata
	base, err := json.Marshal(known(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures any object keys not declared on Metadata into Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type known Metadata
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	*m = Metadata(k)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	knownKeys := map[string]bool{
		"id": true, "tag": true, "command": true, "working_dir": true,
		"env": true, "created_at": true, "last_activity": true,
		"cols": true, "rows": true, "pid": true, "exit_code": true,
	}
	extra := make(map[string]json.RawMessage)
	for key, v := range raw {
		if !knownKeys[key] {
			extra[key] = v
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}
