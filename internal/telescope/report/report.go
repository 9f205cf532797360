// Package report writes alignment diagnostics: per-plane residual and pull
// histograms as PNG files and an HTML chart of alignment convergence.
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/alignment"
)

// DefaultBins is the histogram bin count used when Writer.Bins is unset.
const DefaultBins = 50

// Writer writes report files into Dir.
type Writer struct {
	Dir  string
	Bins int
}

// NewWriter creates a Writer for dir, creating the directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &Writer{Dir: dir, Bins: DefaultBins}, nil
}

func (w *Writer) bins() int {
	if w.Bins <= 0 {
		return DefaultBins
	}
	return w.Bins
}

// ResidualHistograms writes one PNG per plane and axis with the unbiased
// residual distribution of s. Planes without residuals are skipped. It
// returns the written paths.
func (w *Writer) ResidualHistograms(s *alignment.ResidualSet) ([]string, error) {
	var paths []string
	for _, id := range s.PlaneIDs() {
		for _, axis := range []struct {
			name   string
			values []float64
		}{
			{"x", s.ResidualsX(id)},
			{"y", s.ResidualsY(id)},
		} {
			if len(axis.values) == 0 {
				continue
			}
			path := filepath.Join(w.Dir, fmt.Sprintf("residual_plane_%02d_%s.png", id, axis.name))
			title := fmt.Sprintf("Plane %d - Unbiased Residual %s", id, axis.name)
			if err := w.histogram(path, title, "Residual", axis.values); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}
	monitoring.Logf("report: wrote %d residual histograms to %s", len(paths), w.Dir)
	return paths, nil
}

// PullHistograms writes one PNG per plane with the x and y pulls of the
// matched hits of tracks combined.
func (w *Writer) PullHistograms(tracks []*telescope.FittedTrack) ([]string, error) {
	pulls := make(map[int][]float64)
	var order []int
	for _, t := range tracks {
		for _, p := range t.Planes {
			if !p.Matched {
				continue
			}
			if _, ok := pulls[p.PlaneID]; !ok {
				order = append(order, p.PlaneID)
			}
			pulls[p.PlaneID] = append(pulls[p.PlaneID], p.PullX, p.PullY)
		}
	}
	var paths []string
	for _, id := range order {
		path := filepath.Join(w.Dir, fmt.Sprintf("pull_plane_%02d.png", id))
		if err := w.histogram(path, fmt.Sprintf("Plane %d - Pull", id), "Pull", pulls[id]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (w *Writer) histogram(path, title, xLabel string, values []float64) error {
	finite := make(plotter.Values, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return fmt.Errorf("histogram %s: no finite values", filepath.Base(path))
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Entries"

	h, err := plotter.NewHist(finite, w.bins())
	if err != nil {
		return fmt.Errorf("histogram %s: %w", filepath.Base(path), err)
	}
	h.LineStyle.Width = vg.Points(1)
	p.Add(h)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// ConvergenceChart writes convergence.html with the maximum residual of
// each alignment iteration and the per-plane residual magnitude.
func (w *Writer) ConvergenceChart(iterations []alignment.IterationSummary) (string, error) {
	var buf bytes.Buffer
	if err := RenderConvergence(&buf, iterations); err != nil {
		return "", err
	}
	path := filepath.Join(w.Dir, "convergence.html")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write convergence chart: %w", err)
	}
	return path, nil
}

// RenderConvergence renders the convergence chart as HTML to out.
func RenderConvergence(out io.Writer, iterations []alignment.IterationSummary) error {
	if len(iterations) == 0 {
		return fmt.Errorf("convergence chart: no iterations")
	}

	x := make([]int, len(iterations))
	maxData := make([]opts.LineData, len(iterations))
	planeSeries := make(map[int][]opts.LineData)
	var planeOrder []int
	for i, it := range iterations {
		x[i] = it.Iteration
		maxData[i] = opts.LineData{Value: it.MaxResidual}
		for _, p := range it.Planes {
			if _, ok := planeSeries[p.PlaneID]; !ok {
				planeOrder = append(planeOrder, p.PlaneID)
				planeSeries[p.PlaneID] = make([]opts.LineData, len(iterations))
			}
			planeSeries[p.PlaneID][i] = opts.LineData{Value: math.Max(math.Abs(p.MeanX), math.Abs(p.MeanY))}
		}
	}

	last := iterations[len(iterations)-1]
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Alignment Convergence", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Alignment convergence", Subtitle: fmt.Sprintf("iterations=%d converged=%t tracks=%d", len(iterations), last.Converged, last.Tracks)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Mean residual", NameLocation: "middle", NameGap: 45}),
	)
	line.SetXAxis(x).AddSeries("max residual", maxData)
	for _, id := range planeOrder {
		line.AddSeries(fmt.Sprintf("plane %d", id), planeSeries[id])
	}
	return line.Render(out)
}
