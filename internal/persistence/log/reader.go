package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// FlushFilter selects audit entries. Zero fields match everything.
type FlushFilter struct {
	MapID   int
	Kind    string
	SinceMs int64
}

func (f FlushFilter) match(e FlushEntry) bool {
	if f.MapID != 0 && e.MapID != f.MapID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return e.TimeMs >= f.SinceMs
}

// ReadFlushEntries scans every hourly flush audit file under dataDir in order.
func ReadFlushEntries(dataDir string, filter FlushFilter) ([]FlushEntry, error) {
	dir := filepath.Join(dataDir, "audit")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "flush-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []FlushEntry
	for _, name := range names {
		entries, err := readFlushFile(filepath.Join(dir, name), filter)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readFlushFile(path string, filter FlushFilter) ([]FlushEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []FlushEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e FlushEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if filter.match(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// FlushTotals aggregates audit entries per map and kind.
type FlushTotals struct {
	MapID    int    `json:"map_id"`
	Kind     string `json:"kind"`
	Flushes  int    `json:"flushes"`
	Failed   int    `json:"failed"`
	Units    int    `json:"units"`
	Applied  int    `json:"applied"`
	Consumed int    `json:"consumed"`
}

func Summarize(entries []FlushEntry) []FlushTotals {
	type key struct {
		mapID int
		kind  string
	}
	byKey := map[key]*FlushTotals{}
	for _, e := range entries {
		k := key{e.MapID, e.Kind}
		t := byKey[k]
		if t == nil {
			t = &FlushTotals{MapID: e.MapID, Kind: e.Kind}
			byKey[k] = t
		}
		t.Flushes++
		if e.Error != "" {
			t.Failed++
		}
		t.Units += e.Units
		t.Applied += e.Applied
		t.Consumed += e.Consumed
	}
	out := make([]FlushTotals, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MapID != out[j].MapID {
			return out[i].MapID < out[j].MapID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
