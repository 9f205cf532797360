// Command tbtrack reconstructs straight tracks through a beam telescope,
// aligns the planes iteratively and writes the fitted tracks, the aligned
// geometry and diagnostic reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/alignment"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/pipeline"
	"github.com/banshee-data/testbeam/internal/telescope/report"
	"github.com/banshee-data/testbeam/internal/telescope/storage/sqlite"
	"github.com/banshee-data/testbeam/internal/telescope/trackio"
	"github.com/banshee-data/testbeam/internal/version"
)

var (
	hitsPath     = flag.String("hits", "", "CSV hit file (event,plane,x,y,charge,size)")
	geometryPath = flag.String("geometry", "", "Initial geometry JSON file")
	resumeRun    = flag.String("resume", "", "Resume from the latest geometry of a stored run id, or \"latest\"")
	tuningPath   = flag.String("tuning", "", "Tracking tuning JSON (overrides TESTBEAM_TUNING_PATH)")
	dbPath       = flag.String("db", "", "SQLite run database (overrides TESTBEAM_DB_PATH)")
	outputDir    = flag.String("out", "", "Output directory (overrides TESTBEAM_OUTPUT_DIR)")
	workers      = flag.Int("workers", 0, "Worker goroutines (overrides TESTBEAM_WORKERS)")
	noBootstrap  = flag.Bool("no-bootstrap", false, "Skip the correlation bootstrap")
	noReport     = flag.Bool("no-report", false, "Skip histogram and convergence reports")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// options is the resolved command configuration.
type options struct {
	HitsPath     string
	GeometryPath string
	ResumeRun    string
	DBPath       string
	OutputDir    string
	Workers      int
	Bootstrap    bool
	Report       bool
	Tuning       *config.TrackingConfig
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("tbtrack %s (git %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	rt, err := config.LoadRuntimeConfig()
	if err != nil {
		log.Fatalf("runtime config: %v", err)
	}
	if *tuningPath != "" {
		rt.TuningPath = *tuningPath
	}
	if *dbPath != "" {
		rt.DBPath = *dbPath
	}
	if *outputDir != "" {
		rt.OutputDir = *outputDir
	}
	if *workers > 0 {
		rt.Workers = *workers
	}

	tuning, err := config.LoadTrackingConfig(rt.TuningPath)
	if err != nil {
		log.Fatalf("tuning config: %v", err)
	}

	opts := options{
		HitsPath:     *hitsPath,
		GeometryPath: *geometryPath,
		ResumeRun:    *resumeRun,
		DBPath:       rt.DBPath,
		OutputDir:    rt.OutputDir,
		Workers:      rt.EffectiveWorkers(),
		Bootstrap:    !*noBootstrap,
		Report:       !*noReport,
		Tuning:       tuning,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("tbtrack: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.HitsPath == "" {
		return errors.New("-hits is required")
	}
	if opts.GeometryPath == "" && opts.ResumeRun == "" {
		return errors.New("one of -geometry or -resume is required")
	}
	if opts.ResumeRun != "" && opts.DBPath == "" {
		return errors.New("-resume needs a run database")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var store *sqlite.Store
	if opts.DBPath != "" {
		var err error
		if store, err = sqlite.Open(opts.DBPath); err != nil {
			return fmt.Errorf("open run database: %w", err)
		}
		defer store.Close()
	}

	geom, bootstrap, err := initialGeometry(ctx, opts, store)
	if err != nil {
		return err
	}
	if err := opts.Tuning.ValidateForPlanes(geom.NumPlanes()); err != nil {
		return err
	}

	events, err := readEvents(opts.HitsPath)
	if err != nil {
		return err
	}
	log.Printf("Read %d events from %s", len(events), opts.HitsPath)

	runner := pipeline.NewRunner(pipeline.ConfigFromTuning(opts.Tuning, geom.NumPlanes(), opts.Workers))
	var runID string
	if store != nil {
		runner.SetIterationHook(func(id string, summary alignment.IterationSummary, snap *geometry.Geometry) {
			if runID == "" {
				runID = id
				configJSON, _ := json.Marshal(opts.Tuning)
				if err := store.CreateRun(ctx, id, version.Producer(), string(configJSON)); err != nil {
					log.Printf("failed to record run %s: %v", id, err)
					return
				}
			}
			if err := store.SaveIteration(ctx, id, summary, snap); err != nil {
				log.Printf("failed to record iteration %d: %v", summary.Iteration, err)
			}
		})
	}

	res, err := runner.Run(ctx, events, geom, bootstrap)
	if err != nil && res == nil {
		return err
	}
	runErr := err
	if res.Bootstrap != nil {
		for _, p := range res.Bootstrap.Pairs {
			log.Printf("Correlation %d->%d: dx=%.4g dy=%.4g (significance %.1f, %.1f)",
				p.FromPlane, p.ToPlane, p.DX, p.DY, p.SignificanceX, p.SignificanceY)
		}
	}
	log.Printf("Run %s stopped (%s) after %d iterations: %d tracks, %d underconstrained, %d failed fits, %d skipped events",
		res.RunID, res.StopReason, len(res.Iterations), len(res.Tracks),
		res.Stats.Underconstrained, res.Stats.FailedFits, res.Stats.SkippedEvents)
	if res.Warning != nil {
		log.Printf("Warning: %v", res.Warning)
	}

	if res.Geometry != nil {
		if err := writeOutputs(context.WithoutCancel(ctx), opts, store, res); err != nil {
			return err
		}
	}
	return runErr
}

// initialGeometry returns the starting geometry and whether it still needs
// the correlation bootstrap. Resumed geometries are already aligned.
func initialGeometry(ctx context.Context, opts options, store *sqlite.Store) (*geometry.Geometry, bool, error) {
	if opts.ResumeRun == "" {
		geom, err := geometry.LoadFile(opts.GeometryPath)
		if err != nil {
			return nil, false, err
		}
		return geom, opts.Bootstrap, nil
	}

	runID := opts.ResumeRun
	if runID == "latest" {
		var err error
		if runID, err = store.LatestRunID(ctx); err != nil {
			return nil, false, err
		}
	}
	geom, iteration, err := store.LatestGeometry(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	log.Printf("Resuming from run %s iteration %d", runID, iteration)
	return geom, false, nil
}

func readEvents(path string) ([]*telescope.Event, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open hit file: %w", err)
	}
	defer f.Close()
	return trackio.ReadEvents(f)
}

func writeOutputs(ctx context.Context, opts options, store *sqlite.Store, res *pipeline.Result) error {
	geomPath := filepath.Join(opts.OutputDir, "geometry.json")
	if err := geometry.SaveFile(geomPath, res.Geometry); err != nil {
		return err
	}

	tracksPath := filepath.Join(opts.OutputDir, "tracks.pb")
	f, err := os.Create(tracksPath)
	if err != nil {
		return fmt.Errorf("create track file: %w", err)
	}
	if err := trackio.NewTrackWriter(f).WriteAll(res.Tracks); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close track file: %w", err)
	}
	log.Printf("Wrote %d tracks to %s and geometry to %s", len(res.Tracks), tracksPath, geomPath)

	if store != nil && len(res.Iterations) > 0 {
		if err := store.SaveTracks(ctx, res.RunID, res.Tracks); err != nil {
			return err
		}
		if err := store.FinishRun(ctx, res.RunID, res.StopReason, len(res.Iterations), len(res.Tracks)); err != nil {
			return err
		}
	}

	if !opts.Report {
		return nil
	}
	w, err := report.NewWriter(filepath.Join(opts.OutputDir, "report"))
	if err != nil {
		return err
	}
	set := alignment.NewResidualSet(res.Geometry)
	set.AddAll(res.Tracks)
	if _, err := w.ResidualHistograms(set); err != nil {
		return err
	}
	if _, err := w.PullHistograms(res.Tracks); err != nil {
		return err
	}
	if len(res.Iterations) > 0 {
		if _, err := w.ConvergenceChart(res.Iterations); err != nil {
			return err
		}
	}
	return nil
}
