package maps

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rebuildcraft.ai/internal/persistence/store"
)

type Config struct {
	DefaultMapID int       `yaml:"default_map_id"`
	Maps         []MapSpec `yaml:"maps"`
}

type MapSpec struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name"`
	Spawn     Spawn  `yaml:"spawn"`
	Successor int    `yaml:"successor"`

	// FactoryRequired > 0 gives the map a shared click counter.
	FactoryRequired int           `yaml:"factory_required"`
	Water           []TargetSpec  `yaml:"water,omitempty"`
	Fences          []store.Coord `yaml:"fences,omitempty"`
	Houses          []TargetSpec  `yaml:"houses,omitempty"`
	HouseResource   string        `yaml:"house_resource,omitempty"`
}

type Spawn struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type TargetSpec struct {
	X        int `yaml:"x"`
	Y        int `yaml:"y"`
	Required int `yaml:"required"`
}

func (t TargetSpec) Coord() store.Coord { return store.Coord{X: t.X, Y: t.Y} }

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	// Replace, don't merge, the default catalog.
	cfg.Maps = nil
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("maps.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("maps.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		DefaultMapID: 1,
		Maps: []MapSpec{
			{ID: 1, Name: "ruins", Spawn: Spawn{X: 10, Y: 10}, Successor: 2, FactoryRequired: 500},
			{ID: 2, Name: "factory", Spawn: Spawn{X: 10, Y: 10}, Successor: 3, FactoryRequired: 1000},
			{
				ID: 3, Name: "garden", Spawn: Spawn{X: 10, Y: 10}, Successor: 4,
				Water: []TargetSpec{
					{X: 8, Y: 8, Required: 20}, {X: 9, Y: 8, Required: 20}, {X: 10, Y: 8, Required: 20},
					{X: 8, Y: 12, Required: 20}, {X: 9, Y: 12, Required: 20}, {X: 10, Y: 12, Required: 20},
				},
			},
			{
				ID: 4, Name: "pasture", Spawn: Spawn{X: 10, Y: 10}, Successor: 5,
				Fences: []store.Coord{
					{X: 6, Y: 6}, {X: 7, Y: 6}, {X: 8, Y: 6}, {X: 9, Y: 6},
					{X: 6, Y: 9}, {X: 7, Y: 9}, {X: 8, Y: 9}, {X: 9, Y: 9},
				},
			},
			{
				ID: 5, Name: "village", Spawn: Spawn{X: 10, Y: 10},
				HouseResource: string(store.Bricks),
				Houses: []TargetSpec{
					{X: 7, Y: 7, Required: 50}, {X: 13, Y: 7, Required: 50}, {X: 10, Y: 13, Required: 50},
				},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Maps {
		m := &c.Maps[i]
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			m.Name = fmt.Sprintf("map-%d", m.ID)
		}
		if len(m.Houses) > 0 && strings.TrimSpace(m.HouseResource) == "" {
			m.HouseResource = string(store.Bricks)
		}
	}
	if c.DefaultMapID == 0 && len(c.Maps) > 0 {
		c.DefaultMapID = c.Maps[0].ID
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Maps) == 0 {
		return fmt.Errorf("maps must not be empty")
	}
	seen := map[int]bool{}
	for _, m := range c.Maps {
		if m.ID <= 0 {
			return fmt.Errorf("map id must be > 0 (got %d)", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate map id: %d", m.ID)
		}
		seen[m.ID] = true
		if m.FactoryRequired < 0 {
			return fmt.Errorf("map %d factory_required must be >= 0", m.ID)
		}
		if m.FactoryRequired == 0 && len(m.Water) == 0 && len(m.Fences) == 0 && len(m.Houses) == 0 {
			return fmt.Errorf("map %d has no objectives", m.ID)
		}
		if err := validateTargets(m.ID, "water", m.Water); err != nil {
			return err
		}
		if err := validateTargets(m.ID, "houses", m.Houses); err != nil {
			return err
		}
		cells := map[store.Coord]bool{}
		for _, f := range m.Fences {
			if cells[f] {
				return fmt.Errorf("map %d duplicate fence cell %d,%d", m.ID, f.X, f.Y)
			}
			cells[f] = true
		}
		if len(m.Houses) > 0 {
			if _, ok := store.ParseResource(m.HouseResource); !ok {
				return fmt.Errorf("map %d unknown house_resource %q", m.ID, m.HouseResource)
			}
		}
	}
	for _, m := range c.Maps {
		if m.Successor != 0 && !seen[m.Successor] {
			return fmt.Errorf("map %d successor %d not found", m.ID, m.Successor)
		}
	}
	if !seen[c.DefaultMapID] {
		return fmt.Errorf("default_map_id %d not found in maps", c.DefaultMapID)
	}
	return nil
}

func validateTargets(mapID int, field string, ts []TargetSpec) error {
	seen := map[store.Coord]bool{}
	for _, t := range ts {
		if t.Required <= 0 {
			return fmt.Errorf("map %d %s %d,%d required must be > 0", mapID, field, t.X, t.Y)
		}
		if seen[t.Coord()] {
			return fmt.Errorf("map %d duplicate %s target %d,%d", mapID, field, t.X, t.Y)
		}
		seen[t.Coord()] = true
	}
	return nil
}

func (c Config) Map(id int) (MapSpec, bool) {
	for _, m := range c.Maps {
		if m.ID == id {
			return m, true
		}
	}
	return MapSpec{}, false
}

// Seeds lists every objective row the catalog defines, for store bootstrap.
func (c Config) Seeds() []store.ObjectiveSeed {
	var out []store.ObjectiveSeed
	for _, m := range c.Maps {
		out = append(out, m.Seeds()...)
	}
	return out
}

func (m MapSpec) Seeds() []store.ObjectiveSeed {
	var out []store.ObjectiveSeed
	if m.FactoryRequired > 0 {
		out = append(out, store.ObjectiveSeed{Key: m.Key(store.KindFactory, store.Coord{}), Required: m.FactoryRequired})
	}
	for _, t := range m.Water {
		out = append(out, store.ObjectiveSeed{Key: m.Key(store.KindWater, t.Coord()), Required: t.Required})
	}
	for _, f := range m.Fences {
		out = append(out, store.ObjectiveSeed{Key: m.Key(store.KindFence, f), Required: 1})
	}
	for _, t := range m.Houses {
		out = append(out, store.ObjectiveSeed{Key: m.Key(store.KindHouse, t.Coord()), Required: t.Required})
	}
	return out
}

func (m MapSpec) Key(kind store.ObjectiveKind, c store.Coord) store.ObjectiveKey {
	return store.ObjectiveKey{MapID: m.ID, Kind: kind, Coord: c}
}

// Has reports whether the map defines any objective of kind.
func (m MapSpec) Has(kind store.ObjectiveKind) bool {
	switch kind {
	case store.KindFactory:
		return m.FactoryRequired > 0
	case store.KindWater:
		return len(m.Water) > 0
	case store.KindFence:
		return len(m.Fences) > 0
	case store.KindHouse:
		return len(m.Houses) > 0
	}
	return false
}

// Target reports whether c is a fixed target of kind on this map.
func (m MapSpec) Target(kind store.ObjectiveKind, c store.Coord) bool {
	switch kind {
	case store.KindWater:
		for _, t := range m.Water {
			if t.Coord() == c {
				return true
			}
		}
	case store.KindFence:
		for _, f := range m.Fences {
			if f == c {
				return true
			}
		}
	case store.KindHouse:
		for _, t := range m.Houses {
			if t.Coord() == c {
				return true
			}
		}
	}
	return false
}

func (m MapSpec) Resource() store.Resource {
	r, _ := store.ParseResource(m.HouseResource)
	return r
}
