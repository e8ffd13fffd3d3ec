package unlock

import (
	"context"
	"errors"
	"testing"

	"rebuildcraft.ai/internal/persistence/store"
)

type fakeReader struct {
	rows []store.Progress
	err  error
}

func (f fakeReader) ListObjectives(_ context.Context, mapID int, kind store.ObjectiveKind) ([]store.Progress, error) {
	var out []store.Progress
	for _, p := range f.rows {
		if p.Key.MapID == mapID && (kind == "" || p.Key.Kind == kind) {
			out = append(out, p)
		}
	}
	return out, f.err
}

func tile(x, cur, req int) store.Progress {
	return store.Progress{
		Key:      store.ObjectiveKey{MapID: 3, Kind: store.KindWater, Coord: store.Coord{X: x}},
		Current:  cur,
		Required: req,
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	factory := store.Progress{Key: store.ObjectiveKey{MapID: 1, Kind: store.KindFactory}, Current: 500, Required: 500}

	cases := []struct {
		name  string
		rows  []store.Progress
		mapID int
		want  bool
	}{
		{"factory complete", []store.Progress{factory}, 1, true},
		{"factory short", []store.Progress{{Key: factory.Key, Current: 499, Required: 500}}, 1, false},
		{"all tiles", []store.Progress{tile(1, 20, 20), tile(2, 20, 20)}, 3, true},
		{"one tile short", []store.Progress{tile(1, 20, 20), tile(2, 19, 20)}, 3, false},
		{"no objectives", nil, 7, false},
	}
	for _, tc := range cases {
		got, err := Evaluate(ctx, fakeReader{rows: tc.rows}, tc.mapID)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluate_Error(t *testing.T) {
	boom := errors.New("boom")
	if _, err := Evaluate(context.Background(), fakeReader{err: boom}, 1); !errors.Is(err, boom) {
		t.Fatalf("expected error to propagate, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]store.Progress{tile(1, 20, 20), tile(2, 3, 20), tile(3, 20, 20)}, store.KindWater)
	if s.Done != 2 || s.Total != 3 {
		t.Fatalf("summary: got=%d/%d want=2/3", s.Done, s.Total)
	}
}
