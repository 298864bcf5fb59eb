// Package main provides the offline admin CLI. It opens the store directly,
// so the server must not hold it (badger locks its directory).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/app/frequency"
	"github.com/osa030/onrepeat/internal/app/ingest"
	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/config"
	"github.com/osa030/onrepeat/internal/infra/legacy"
	"github.com/osa030/onrepeat/internal/infra/logger"
	"github.com/osa030/onrepeat/internal/infra/store"
	"github.com/osa030/onrepeat/internal/infra/store/driver"
)

var (
	app        = kingpin.New("trackctl", "onrepeat offline administration")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	asJSON     = app.Flag("json", "Print results as JSON").Bool()

	// frequent command
	frequentCmd       = app.Command("frequent", "List tracks played often in a recent window")
	frequentThreshold = frequentCmd.Flag("threshold", "Minimum plays (exclusive)").Default("-1").Int()
	frequentDays      = frequentCmd.Flag("days", "Window in days").Int()

	// analytics command
	analyticsCmd = app.Command("analytics", "Show totals, frequent and top tracks")
	analyticsTop = analyticsCmd.Flag("top", "Number of top tracks").Int()

	// reset command
	resetCmd = app.Command("reset", "Delete all play history and counters")
	resetYes = resetCmd.Flag("yes", "Confirm the irreversible reset").Bool()

	// rebuild command
	rebuildCmd = app.Command("rebuild", "Recompute counters from the play history")

	// import command
	importCmd     = app.Command("import", "Import the legacy JSON files")
	importDir     = importCmd.Flag("dir", "Directory holding playedTracks.json and playCounts.json").Default("data").String()
	importHistory = importCmd.Flag("history", "Path to playedTracks.json (overrides --dir)").String()
	importCounts  = importCmd.Flag("counts", "Path to playCounts.json (overrides --dir)").String()
)

func main() {
	_ = godotenv.Load()
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if _, err := logger.Init(logger.Config{Output: "stderr", Level: level}); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}

	if command == resetCmd.FullCommand() && !*resetYes {
		fail(errors.New("reset deletes all play history; pass --yes to confirm"))
	}

	if err := run(command, cfg); err != nil {
		fail(err)
	}
}

func run(command string, cfg *config.Config) error {
	backend, err := driver.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx := context.Background()
	engine := ingest.NewFromBackend(backend, ingest.Config{
		Threshold: cfg.Tracking.CrossingThreshold,
		Timeout:   cfg.Storage.OpTimeout,
	})
	query := frequency.New(backend.Events(), backend.Counters())

	switch command {
	case frequentCmd.FullCommand():
		threshold := *frequentThreshold
		if threshold < 0 {
			threshold = cfg.Tracking.FrequentThreshold
		}
		days := *frequentDays
		if days <= 0 {
			days = cfg.Tracking.WindowDays
		}
		tracks := query.FrequentTracks(ctx, threshold, days)
		if *asJSON {
			return printJSON(tracks)
		}
		fmt.Printf("Tracks played more than %d times in the last %d days:\n", threshold, days)
		printTracks(tracks)

	case analyticsCmd.FullCommand():
		top := *analyticsTop
		if top <= 0 {
			top = cfg.Tracking.TopN
		}
		summary := query.Summary(ctx, frequency.Options{
			Threshold:  cfg.Tracking.FrequentThreshold,
			WindowDays: cfg.Tracking.WindowDays,
			TopN:       top,
		})
		if *asJSON {
			return printJSON(summary)
		}
		fmt.Println("\n=== ANALYTICS ===")
		fmt.Printf("Tracks played: %d\n", summary.TotalTracks)
		fmt.Printf("Play events:   %d\n", summary.TotalEvents)
		fmt.Println("\nFrequent:")
		printTracks(summary.FrequentTracks)
		fmt.Printf("\nTop %d:\n", top)
		printTracks(summary.TopTracks)

	case resetCmd.FullCommand():
		if err := engine.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("Play history and counters deleted.")

	case rebuildCmd.FullCommand():
		n, err := engine.Rebuild(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Rebuilt counters for %d tracks.\n", n)

	case importCmd.FullCommand():
		return importLegacy(ctx, engine, backend.Counters())
	}
	return nil
}

// importLegacy ingests the legacy history and compares the resulting
// counters with the legacy counts file. Re-running it is harmless: plays
// already imported are reported as duplicates.
func importLegacy(ctx context.Context, engine *ingest.Engine, counters store.CounterStore) error {
	historyPath := *importHistory
	if historyPath == "" {
		historyPath = filepath.Join(*importDir, legacy.HistoryFile)
	}
	countsPath := *importCounts
	if countsPath == "" {
		countsPath = filepath.Join(*importDir, legacy.CountsFile)
	}

	history, err := legacy.LoadHistory(historyPath)
	if err != nil {
		return err
	}
	counts, err := legacy.LoadCounts(countsPath)
	if err != nil {
		return err
	}

	raws := make([]play.RawEvent, len(history))
	for i, h := range history {
		raws[i] = h.RawEvent()
	}

	start := time.Now()
	res := engine.IngestBatch(ctx, raws)
	for _, e := range res.Errors {
		zlog.Warn().Msgf("Skipped history entry %d: %v", e.Index, e.Err)
	}
	fmt.Printf("Imported %s in %s: %d recorded, %d duplicates, %d skipped.\n",
		historyPath, time.Since(start).Round(time.Millisecond), res.Recorded, res.Duplicates, len(res.Errors))

	if len(counts) == 0 {
		return nil
	}
	current, err := counters.All(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read counters")
	}
	mismatches := legacy.Compare(counts, current)
	if len(mismatches) == 0 {
		fmt.Printf("Counters match %s.\n", countsPath)
		return nil
	}
	fmt.Printf("%d tracks differ from %s (legacy -> current):\n", len(mismatches), countsPath)
	for _, m := range mismatches {
		fmt.Printf("  %-24s %4d -> %4d\n", m.TrackID, m.Legacy, m.Current)
	}
	return nil
}

func printTracks(tracks []frequency.TrackFrequency) {
	if len(tracks) == 0 {
		fmt.Println("  (none)")
		return
	}
	for i, t := range tracks {
		fmt.Printf("  %2d. %s - %s  [%d plays, last %s]\n",
			i+1, t.TrackName, t.Artist, t.Count, t.LastPlayed.Local().Format(time.DateTime))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
