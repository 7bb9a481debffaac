package daemon

import (
	"sort"
	"sync"

	"github.com/msageha/courier/internal/model"
)

// Directory is the read-only agent and group catalogue loaded from config.
// Replace swaps it atomically on config reload.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]model.Agent
	groups map[string]model.Group
}

func NewDirectory(agents []model.Agent, groups []model.Group) *Directory {
	d := &Directory{}
	d.Replace(agents, groups)
	return d
}

func (d *Directory) Replace(agents []model.Agent, groups []model.Group) {
	am := make(map[string]model.Agent, len(agents))
	for _, a := range agents {
		am[a.ID] = a
	}
	gm := make(map[string]model.Group, len(groups))
	for _, g := range groups {
		gm[g.ID] = g
	}
	d.mu.Lock()
	d.agents, d.groups = am, gm
	d.mu.Unlock()
}

// Agent looks up an agent. Unknown ids yield a NotFoundError.
func (d *Directory) Agent(id string) (model.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return model.Agent{}, &model.NotFoundError{Kind: "agent", ID: id}
	}
	return a, nil
}

func (d *Directory) Group(id string) (model.Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[id]
	if !ok {
		return model.Group{}, &model.NotFoundError{Kind: "group", ID: id}
	}
	return g, nil
}

// Known reports whether agent id is listed. An empty directory accepts any id.
func (d *Directory) Known(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.agents) == 0 {
		return true
	}
	_, ok := d.agents[id]
	return ok
}

func (d *Directory) Agents() []model.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Groups() []model.Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
