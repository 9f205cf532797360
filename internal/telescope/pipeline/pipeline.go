// Package pipeline drives reconstruction over a batch of events: a bounded
// worker pool runs the finder and fitter per event against a frozen
// geometry snapshot, and the alignment loop applies corrections at the
// barrier between passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/alignment"
	"github.com/banshee-data/testbeam/internal/telescope/correlator"
	"github.com/banshee-data/testbeam/internal/telescope/finder"
	"github.com/banshee-data/testbeam/internal/telescope/fitter"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// Config bundles the stage configurations.
type Config struct {
	Finder     finder.Config
	Fitter     fitter.Config
	Refiner    alignment.Config
	Correlator correlator.Config
	// Workers bounds the number of events processed concurrently; <= 0
	// means one.
	Workers int
}

// ConfigFromTuning builds a Config from a loaded TrackingConfig for a
// telescope with numPlanes planes.
func ConfigFromTuning(cfg *config.TrackingConfig, numPlanes, workers int) Config {
	return Config{
		Finder:     finder.ConfigFromTuning(cfg, numPlanes),
		Fitter:     fitter.ConfigFromTuning(cfg, numPlanes),
		Refiner:    alignment.ConfigFromTuning(cfg),
		Correlator: correlator.ConfigFromTuning(cfg),
		Workers:    workers,
	}
}

// Stats counts what happened to events and candidates in one pass.
type Stats struct {
	Events           int
	Candidates       int
	Tracks           int
	Underconstrained int // candidates dropped by the fitter
	FailedFits       int // candidates whose fit failed numerically
	SkippedEvents    int // events over the seed combination limit
	FailedEvents     int // malformed events
}

func (s *Stats) add(o Stats) {
	s.Events += o.Events
	s.Candidates += o.Candidates
	s.Tracks += o.Tracks
	s.Underconstrained += o.Underconstrained
	s.FailedFits += o.FailedFits
	s.SkippedEvents += o.SkippedEvents
	s.FailedEvents += o.FailedEvents
}

// Pass is the output of processing every event once.
type Pass struct {
	Tracks []*telescope.FittedTrack // ordered by event id
	Stats  Stats
}

// Result is the output of a full reconstruction run.
type Result struct {
	RunID string
	// Geometry is the snapshot the returned tracks were fitted with.
	Geometry   *geometry.Geometry
	Tracks     []*telescope.FittedTrack
	Stats      Stats
	Iterations []alignment.IterationSummary
	StopReason alignment.StopReason
	// Warning is set when alignment stopped at its iteration limit.
	Warning *telescope.NonConvergenceError
	// Bootstrap holds the correlator output when the run started from it.
	Bootstrap *correlator.Result
}

// IterationHook is called at every barrier with the iteration summary and
// the geometry snapshot the pass used.
type IterationHook func(runID string, summary alignment.IterationSummary, geom *geometry.Geometry)

// Runner executes reconstruction passes. A Runner may be reused.
type Runner struct {
	cfg     Config
	finder  *finder.Finder
	fitter  *fitter.Fitter
	refiner *alignment.Refiner
	hook    IterationHook
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:     cfg,
		finder:  finder.New(cfg.Finder),
		fitter:  fitter.New(cfg.Fitter),
		refiner: alignment.NewRefiner(cfg.Refiner),
	}
}

// SetIterationHook registers a hook called at each alignment barrier.
func (r *Runner) SetIterationHook(h IterationHook) {
	r.hook = h
}

// ProcessEvents finds and fits the tracks of every event using geom, which
// must not change during the call. Per-event and per-candidate failures are
// counted and logged, never returned. The only error is the context's, in
// which case no partial pass is returned.
func (r *Runner) ProcessEvents(ctx context.Context, events []*telescope.Event, geom *geometry.Geometry) (*Pass, error) {
	type slot struct {
		tracks []*telescope.FittedTrack
		stats  Stats
	}
	slots := make([]slot, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, ev := range events {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i].tracks, slots[i].stats = r.processEvent(ev, geom)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pass := &Pass{}
	for _, s := range slots {
		pass.Tracks = append(pass.Tracks, s.tracks...)
		pass.Stats.add(s.stats)
	}
	sort.SliceStable(pass.Tracks, func(i, j int) bool {
		return pass.Tracks[i].EventID < pass.Tracks[j].EventID
	})
	if n := pass.Stats.Underconstrained; n > 0 {
		monitoring.Logf("pipeline: %d candidates dropped as underconstrained", n)
	}
	return pass, nil
}

// processEvent runs the finder then the fitter on one event. A panic inside
// either stage fails only this event.
func (r *Runner) processEvent(ev *telescope.Event, geom *geometry.Geometry) (tracks []*telescope.FittedTrack, stats Stats) {
	stats.Events = 1
	defer func() {
		if p := recover(); p != nil {
			monitoring.Warnf("pipeline: event %d failed: %v", ev.ID, p)
			tracks = nil
			stats = Stats{Events: 1, FailedEvents: 1}
		}
	}()

	cands, err := r.finder.Find(ev, geom)
	switch {
	case errors.Is(err, finder.ErrSeedLimit):
		monitoring.Warnf("pipeline: skipping event: %v", err)
		stats.SkippedEvents = 1
		return nil, stats
	case err != nil:
		monitoring.Warnf("pipeline: dropping malformed event: %v", err)
		stats.FailedEvents = 1
		return nil, stats
	}

	stats.Candidates = len(cands)
	for _, c := range cands {
		tr, err := r.fitter.Fit(c, geom)
		switch {
		case errors.Is(err, telescope.ErrUnderconstrainedTrack):
			stats.Underconstrained++
		case err != nil:
			monitoring.Warnf("pipeline: event %d: %v", ev.ID, err)
			stats.FailedFits++
		default:
			tracks = append(tracks, tr)
		}
	}
	stats.Tracks = len(tracks)
	return tracks, stats
}

// Bootstrap runs the correlator on events and applies its translations to
// geom.
func (r *Runner) Bootstrap(events []*telescope.Event, geom *geometry.Geometry) (*correlator.Result, error) {
	res, err := correlator.Correlate(events, geom, r.cfg.Correlator)
	if err != nil {
		return nil, err
	}
	for i, p := range geom.Planes() {
		if err := geom.ApplyCorrection(p.ID, res.CorrectionsX[i], res.CorrectionsY[i], 0); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Align iterates passes and corrections on geom until the residuals
// converge, the iteration limit is reached or ctx is cancelled. The tracks
// of the last pass are the output. On cancellation the result carries the
// iterations completed so far with StopCancelled and the context error is
// returned; geom keeps the corrections of completed iterations only.
func (r *Runner) Align(ctx context.Context, events []*telescope.Event, geom *geometry.Geometry) (*Result, error) {
	if err := r.refiner.ValidateFixedPlanes(geom); err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.NewString()}
	maxIter := r.cfg.Refiner.MaxIterations

	for iter := 0; ; iter++ {
		snap := geom.Snapshot()
		pass, err := r.ProcessEvents(ctx, events, snap)
		if err != nil {
			res.StopReason = alignment.StopCancelled
			res.Geometry = snap
			return res, fmt.Errorf("alignment iteration %d: %w", iter, err)
		}

		set := alignment.NewResidualSet(snap)
		set.AddAll(pass.Tracks)
		maxResidual, _, converged := r.refiner.Evaluate(set)
		summary := alignment.IterationSummary{
			Iteration:   iter,
			Tracks:      len(pass.Tracks),
			MaxResidual: maxResidual,
			Converged:   converged,
			Planes:      set.Summaries(),
		}

		stop := converged || iter >= maxIter
		if !stop {
			summary.Corrections = r.refiner.Corrections(set)
		}
		res.Iterations = append(res.Iterations, summary)
		if r.hook != nil {
			r.hook(res.RunID, summary, snap)
		}
		monitoring.Logf("alignment: iteration %d: %d tracks, max mean residual %.3g", iter, len(pass.Tracks), maxResidual)

		if stop {
			res.Geometry = snap
			res.Tracks = pass.Tracks
			res.Stats = pass.Stats
			if converged {
				res.StopReason = alignment.StopConverged
			} else {
				res.StopReason = alignment.StopMaxIterations
				res.Warning = r.refiner.NonConvergence(iter, set)
				monitoring.Warnf("alignment: %v", res.Warning)
			}
			return res, nil
		}

		// Barrier: every worker of this pass has returned.
		if err := r.refiner.Apply(geom, summary.Corrections); err != nil {
			return nil, err
		}
	}
}

// Run optionally bootstraps geom with the correlator and then aligns.
// A correlation failure is fatal.
func (r *Runner) Run(ctx context.Context, events []*telescope.Event, geom *geometry.Geometry, bootstrap bool) (*Result, error) {
	var boot *correlator.Result
	if bootstrap {
		var err error
		if boot, err = r.Bootstrap(events, geom); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}
	res, err := r.Align(ctx, events, geom)
	if res != nil {
		res.Bootstrap = boot
	}
	return res, err
}
