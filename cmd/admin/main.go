// Command admin inspects and repairs a rebuildcraft data directory offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	persistlog "rebuildcraft.ai/internal/persistence/log"
	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/sim/maps"
	"rebuildcraft.ai/internal/sim/unlock"
)

var errUsage = errors.New("usage: admin progress|inventory|grant|audit [flags]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "progress":
		return progressCmd(ctx, args[1:], out)
	case "inventory":
		return inventoryCmd(ctx, args[1:], out)
	case "grant":
		return grantCmd(ctx, args[1:], out)
	case "audit":
		return auditCmd(args[1:], out)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

type storeFlags struct {
	dataDir *string
	dbPath  *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		dataDir: fs.String("data", "./data", "runtime data directory"),
		dbPath:  fs.String("db", "", "sqlite path (default: <data>/rebuildcraft.sqlite)"),
	}
}

func (f storeFlags) open() (*store.SQLiteStore, error) {
	p := strings.TrimSpace(*f.dbPath)
	if p == "" {
		p = filepath.Join(*f.dataDir, "rebuildcraft.sqlite")
	}
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store.OpenSQLite(p)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type mapProgress struct {
	MapID     int                       `json:"map_id"`
	Name      string                    `json:"name,omitempty"`
	Unlocked  bool                      `json:"unlocked"`
	Successor int                       `json:"successor,omitempty"`
	Kinds     map[string]unlock.Summary `json:"kinds"`
	Factory   *store.Progress           `json:"factory,omitempty"`
}

func progressCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("progress", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	mapsPath := fs.String("maps", "./configs/maps.yaml", "path to maps.yaml")
	mapID := fs.Int("map", 0, "only this map")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := maps.Load(*mapsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load maps: %w", err)
		}
		cfg = maps.Defaults()
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var res []mapProgress
	for _, spec := range cfg.Maps {
		if *mapID != 0 && spec.ID != *mapID {
			continue
		}
		all, err := db.ListObjectives(ctx, spec.ID, "")
		if err != nil {
			return err
		}
		mp := mapProgress{
			MapID:     spec.ID,
			Name:      spec.Name,
			Unlocked:  unlock.Complete(all),
			Successor: spec.Successor,
			Kinds:     map[string]unlock.Summary{},
		}
		for _, kind := range []store.ObjectiveKind{store.KindWater, store.KindFence, store.KindHouse} {
			if s := unlock.Summarize(all, kind); s.Total > 0 {
				mp.Kinds[string(kind)] = s
			}
		}
		for i := range all {
			if all[i].Key.Kind == store.KindFactory {
				mp.Factory = &all[i]
			}
		}
		res = append(res, mp)
	}
	if *mapID != 0 && len(res) == 0 {
		return fmt.Errorf("unknown map %d", *mapID)
	}
	return writeJSON(out, res)
}

func inventoryCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inventory", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	pid := fs.String("participant", "", "participant id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*pid) == "" {
		return fmt.Errorf("%w: missing --participant", errUsage)
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()

	inv, err := db.GetInventory(ctx, *pid)
	if err != nil {
		return err
	}
	constructive, harvest, err := db.Stats(ctx, *pid)
	if err != nil {
		return err
	}
	rec, _, err := db.GetParticipantRecord(ctx, *pid)
	if err != nil {
		return err
	}
	return writeJSON(out, struct {
		ParticipantID string         `json:"participant_id"`
		Name          string         `json:"name,omitempty"`
		Inventory     map[string]int `json:"inventory"`
		Constructive  int            `json:"constructive"`
		Harvest       int            `json:"harvest"`
	}{*pid, rec.Name, inv.Wire(), constructive, harvest})
}

// grantCmd credits (or with a negative amount, debits) one resource.
func grantCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	pid := fs.String("participant", "", "participant id (required)")
	res := fs.String("resource", "", "resource name (required)")
	amount := fs.Int("amount", 0, "units to credit; negative debits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*pid) == "" {
		return fmt.Errorf("%w: missing --participant", errUsage)
	}
	r, ok := store.ParseResource(*res)
	if !ok {
		return fmt.Errorf("%w: unknown resource %q", errUsage, *res)
	}
	if *amount == 0 {
		return fmt.Errorf("%w: --amount must be non-zero", errUsage)
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var bal int
	if *amount > 0 {
		bal, err = db.CreditInventory(ctx, *pid, r, *amount)
	} else {
		bal, err = db.DebitInventory(ctx, *pid, r, -*amount)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s %s=%d\n", *pid, r, bal)
	return err
}

func auditCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.Int("map", 0, "map id filter")
	kind := fs.String("kind", "", "objective kind filter")
	sinceMs := fs.Int64("since_ms", 0, "only entries at or after this unix millis")
	raw := fs.Bool("raw", false, "print entries instead of totals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind != "" && !store.ObjectiveKind(*kind).Valid() {
		return fmt.Errorf("%w: unknown kind %q", errUsage, *kind)
	}
	entries, err := persistlog.ReadFlushEntries(*dataDir, persistlog.FlushFilter{
		MapID:   *mapID,
		Kind:    *kind,
		SinceMs: *sinceMs,
	})
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if *raw {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	return writeJSON(out, persistlog.Summarize(entries))
}
