package model

import (
	"fmt"
	"sort"
)

type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

type Agent struct {
	ID      string         `yaml:"id" json:"id"`
	Name    string         `yaml:"name" json:"name"`
	Type    string         `yaml:"type" json:"type"`
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

type Member struct {
	AgentID  string `yaml:"agent_id" json:"agent_id"`
	Priority int    `yaml:"priority" json:"priority"`
}

type Group struct {
	ID      string        `yaml:"id" json:"id"`
	Name    string        `yaml:"name" json:"name"`
	Mode    ExecutionMode `yaml:"mode" json:"mode"`
	Members []Member      `yaml:"members" json:"members"`
}

// OrderedMembers returns members sorted by ascending priority, stable on ties.
func (g *Group) OrderedMembers() []Member {
	out := make([]Member, len(g.Members))
	copy(out, g.Members)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	switch g.Mode {
	case ExecutionModeSequential, ExecutionModeParallel:
	default:
		return fmt.Errorf("group %s: unknown mode %q", g.ID, g.Mode)
	}
	if len(g.Members) == 0 {
		return fmt.Errorf("group %s: no members", g.ID)
	}
	return nil
}
