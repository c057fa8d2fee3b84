// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessState represents the state of a supervised process.
type ProcessState int

const (
	StatusStopped ProcessState = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusCrashed
)

func (s ProcessState) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler to output the string representation.
func (s ProcessState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting the string
// representation produced by MarshalJSON.
func (s *ProcessState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "stopped":
		*s = StatusStopped
	case "starting":
		*s = StatusStarting
	case "running":
		*s = StatusRunning
	case "stopping":
		*s = StatusStopping
	case "crashed":
		*s = StatusCrashed
	default:
		return fmt.Errorf("unknown process state %q", name)
	}
	return nil
}

// RestartTrigger identifies what caused a restart.
type RestartTrigger int

const (
	RestartManual RestartTrigger = iota
	RestartCrash
	RestartUnhealthy
)

func (r RestartTrigger) String() string {
	switch r {
	case RestartManual:
		return "manual"
	case RestartCrash:
		return "crash"
	case RestartUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServiceStatus contains the current status of a supervised service.
type ServiceStatus struct {
	Name         string       `json:"name"`
	State        ProcessState `json:"state"`
	PID          int          `json:"pid,omitempty"`
	ExitCode     int          `json:"exitCode"`
	StartedAt    time.Time    `json:"startedAt"`
	StoppedAt    time.Time    `json:"stoppedAt"`
	RestartCount int          `json:"restartCount"`
	// Healthy is nil when the service has no health check configured.
	Healthy *bool `json:"healthy,omitempty"`
	// Attached is true when the supervisor adopted an already-running
	// process instead of starting its own child.
	Attached bool   `json:"attached,omitempty"`
	Error    string `json:"error,omitempty"`
}
