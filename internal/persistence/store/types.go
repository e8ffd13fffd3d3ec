// Package store is the durable side of the coordinator: objective progress rows,
// participant inventories and persisted participant state. Every method runs as a
// single atomic transaction.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInsufficient = errors.New("store: insufficient balance")
)

type Coord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

type ObjectiveKind string

const (
	KindFactory ObjectiveKind = "factory"
	KindWater   ObjectiveKind = "water"
	KindFence   ObjectiveKind = "fence"
	KindHouse   ObjectiveKind = "house"
)

var Kinds = []ObjectiveKind{KindFactory, KindWater, KindFence, KindHouse}

func (k ObjectiveKind) Valid() bool {
	switch k {
	case KindFactory, KindWater, KindFence, KindHouse:
		return true
	}
	return false
}

// ObjectiveKey identifies one progress target. Map-wide counters (factory) use the zero Coord.
type ObjectiveKey struct {
	MapID int
	Kind  ObjectiveKind
	Coord Coord
}

func (k ObjectiveKey) String() string {
	return fmt.Sprintf("%d/%s/%d,%d", k.MapID, k.Kind, k.Coord.X, k.Coord.Y)
}

type Progress struct {
	Key      ObjectiveKey
	Current  int
	Required int
}

func (p Progress) Complete() bool { return p.Required > 0 && p.Current >= p.Required }

// Change is the before/after pair of one objective touched by a write.
type Change struct {
	Before Progress
	After  Progress
}

// NewlyComplete reports whether this change crossed the threshold.
func (c Change) NewlyComplete() bool { return !c.Before.Complete() && c.After.Complete() }

type Resource string

const (
	Wood   Resource = "wood"
	Stone  Resource = "stone"
	Metal  Resource = "metal"
	Glass  Resource = "glass"
	Bricks Resource = "bricks"
	Rocks  Resource = "rocks"
)

var Resources = []Resource{Wood, Stone, Metal, Glass, Bricks, Rocks}

func ParseResource(s string) (Resource, bool) {
	for _, r := range Resources {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

type Inventory map[Resource]int

func (inv Inventory) Has(want map[Resource]int) bool {
	for r, n := range want {
		if n < 0 || inv[r] < n {
			return false
		}
	}
	return true
}

// Wire returns the inventory keyed by plain strings for JSON events.
func (inv Inventory) Wire() map[string]int {
	out := make(map[string]int, len(inv))
	for r, n := range inv {
		out[string(r)] = n
	}
	return out
}

type ParticipantRecord struct {
	ID          string
	Name        string
	X, Y        float64
	HasPosition bool
	Color       string
}

// ObjectiveDelta is a requested increment against one objective.
type ObjectiveDelta struct {
	Key   ObjectiveKey
	Delta int
}

// ContributionBatch is one flush's worth of increments for a single transaction.
// Stats credits each contributor's constructive counter alongside the progress.
type ContributionBatch struct {
	Deltas []ObjectiveDelta
	Stats  map[string]int
}

type HouseResult struct {
	Consumed int
	Balance  int
	Changes  []Change
}

// TransferRequest moves resources between two participants: AToB leaves A's inventory
// and arrives in B's, BToA the other way.
type TransferRequest struct {
	A, B string
	AToB map[Resource]int
	BToA map[Resource]int
}

type ObjectiveSeed struct {
	Key      ObjectiveKey
	Required int
}

type Store interface {
	GetObjective(ctx context.Context, key ObjectiveKey) (Progress, error)
	ListObjectives(ctx context.Context, mapID int, kind ObjectiveKind) ([]Progress, error)
	IncrementObjective(ctx context.Context, key ObjectiveKey, delta int) (Change, error)
	ApplyContributions(ctx context.Context, batch ContributionBatch) ([]Change, error)
	ApplyHouseDebit(ctx context.Context, participantID string, resource Resource, deltas []ObjectiveDelta) (HouseResult, error)

	GetInventory(ctx context.Context, participantID string) (Inventory, error)
	EnsureInventory(ctx context.Context, participantID string, starter map[Resource]int) (Inventory, error)
	DebitInventory(ctx context.Context, participantID string, resource Resource, amount int) (int, error)
	CreditInventory(ctx context.Context, participantID string, resource Resource, amount int) (int, error)
	Transfer(ctx context.Context, req TransferRequest) error

	GetParticipantRecord(ctx context.Context, participantID string) (ParticipantRecord, bool, error)
	UpsertParticipantPosition(ctx context.Context, participantID, name string, x, y float64) error
	UpsertParticipantColor(ctx context.Context, participantID, name, color string) error

	SeedObjectives(ctx context.Context, seeds []ObjectiveSeed) error
}
