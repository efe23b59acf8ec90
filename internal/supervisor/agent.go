// Package supervisor launches, monitors, and restarts a declarative roster
// of long-running agent processes: one lock file per agent (PID + timestamp
// JSON, stale locks reclaimed when the recorded PID is dead), exponential
// restart backoff with a stability-window reset, and crash containment:
// one manage goroutine per agent, so one agent's failure never touches
// another's state.
package supervisor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec is one entry in the declarative agent roster.
type AgentSpec struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	LogPath  string   `yaml:"log_path"`
	Required bool     `yaml:"required"`
	Priority int      `yaml:"priority"`
}

// roster is the top-level shape of the YAML roster file.
type roster struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadRoster reads and validates a YAML agent roster from path.
func LoadRoster(path string) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var r roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	for i, a := range r.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("roster %s: agent at index %d missing name", path, i)
		}
		if a.Command == "" {
			return nil, fmt.Errorf("roster %s: agent %q missing command", path, a.Name)
		}
	}
	return r.Agents, nil
}
