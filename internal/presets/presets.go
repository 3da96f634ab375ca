// Package presets provides the read-only material, tool, and machine
// registries. The default registry ships embedded in the binary; lookups
// never mutate it.
package presets

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kerfworks/kerfgate/internal/model"
)

//go:embed data/*.json
var dataFS embed.FS

// ErrUnknownPreset is returned when a lookup id has no registry entry.
type ErrUnknownPreset struct {
	Kind string
	ID   string
}

func (e ErrUnknownPreset) Error() string {
	return fmt.Sprintf("presets: unknown %s %q", e.Kind, e.ID)
}

// Registry resolves preset ids to structured parameters.
type Registry struct {
	materials map[string]model.Material
	tools     map[string]model.Tool
	machines  map[string]model.Machine
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the embedded registry, loading it on first use.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = load(dataFS)
	})
	return defaultReg, defaultErr
}

func load(fsys embed.FS) (*Registry, error) {
	r := &Registry{
		materials: map[string]model.Material{},
		tools:     map[string]model.Tool{},
		machines:  map[string]model.Machine{},
	}

	var materials []model.Material
	if err := readJSON(fsys, "data/materials.json", &materials); err != nil {
		return nil, err
	}
	for _, m := range materials {
		r.materials[m.ID] = m
	}

	var tools []model.Tool
	if err := readJSON(fsys, "data/tools.json", &tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		r.tools[t.ID] = t
	}

	var machines []model.Machine
	if err := readJSON(fsys, "data/machines.json", &machines); err != nil {
		return nil, err
	}
	for _, m := range machines {
		r.machines[m.ID] = m
	}

	return r, nil
}

func readJSON(fsys embed.FS, path string, target any) error {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("presets: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("presets: parse %s: %w", path, err)
	}
	return nil
}

// Material looks up a material preset by id.
func (r *Registry) Material(id string) (model.Material, error) {
	m, ok := r.materials[id]
	if !ok {
		return model.Material{}, ErrUnknownPreset{Kind: "material", ID: id}
	}
	return m, nil
}

// Tool looks up a tool preset by id.
func (r *Registry) Tool(id string) (model.Tool, error) {
	t, ok := r.tools[id]
	if !ok {
		return model.Tool{}, ErrUnknownPreset{Kind: "tool", ID: id}
	}
	return t, nil
}

// Machine looks up a machine preset by id.
func (r *Registry) Machine(id string) (model.Machine, error) {
	m, ok := r.machines[id]
	if !ok {
		return model.Machine{}, ErrUnknownPreset{Kind: "machine", ID: id}
	}
	return m, nil
}

// Materials returns all material presets, sorted by id.
func (r *Registry) Materials() []model.Material {
	out := make([]model.Material, 0, len(r.materials))
	for _, m := range r.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tools returns all tool presets, sorted by id.
func (r *Registry) Tools() []model.Tool {
	out := make([]model.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Machines returns all machine presets, sorted by id.
func (r *Registry) Machines() []model.Machine {
	out := make([]model.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve fills the context's material/tool/machine blocks from preset ids.
// An id only applies when the corresponding inline block is entirely zero,
// so callers that supply explicit parameters keep them even without
// naming the block.
func (r *Registry) Resolve(ctx *model.RunContext, materialID, toolID, machineID string) error {
	if materialID != "" && ctx.Material == (model.Material{}) {
		m, err := r.Material(materialID)
		if err != nil {
			return err
		}
		ctx.Material = m
	}
	if toolID != "" && ctx.Tool == (model.Tool{}) {
		t, err := r.Tool(toolID)
		if err != nil {
			return err
		}
		ctx.Tool = t
	}
	if machineID != "" && ctx.Machine == (model.Machine{}) {
		m, err := r.Machine(machineID)
		if err != nil {
			return err
		}
		ctx.Machine = m
	}
	return nil
}
