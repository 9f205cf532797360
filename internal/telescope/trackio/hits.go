// Package trackio reads and writes the reconstruction's external records:
// CSV hit files from the upstream clusterer and a length-delimited binary
// stream of fitted tracks for downstream analysis.
package trackio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
)

// HitHeader is the column layout of a hit file.
var HitHeader = []string{"event", "plane", "x", "y", "charge", "size"}

// ErrEventOrder reports a hit file whose event ids decrease.
var ErrEventOrder = errors.New("event ids not in ascending order")

// HitReader streams events from a CSV hit file. Rows of one event must be
// contiguous and event ids ascending. Rows that fail to parse drop their
// event with a warning; the rest of the file is still read.
type HitReader struct {
	r        *csv.Reader
	line     int
	pending  []string
	lastID   int64
	started  bool
	finished bool
}

// NewHitReader creates a HitReader and consumes the header row.
func NewHitReader(r io.Reader) (*HitReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read hit header: %w", err)
	}
	if len(header) < 4 || header[0] != HitHeader[0] || header[1] != HitHeader[1] {
		return nil, fmt.Errorf("unexpected hit header %v", header)
	}
	return &HitReader{r: cr, line: 1}, nil
}

// Next returns the next event, or io.EOF when the file is exhausted.
func (hr *HitReader) Next() (*telescope.Event, error) {
	for {
		ev, bad, err := hr.nextGroup()
		if err != nil {
			return nil, err
		}
		if bad != nil {
			monitoring.Warnf("trackio: dropping event %d: %v", ev.ID, bad)
			continue
		}
		return ev, nil
	}
}

// nextGroup collects the rows of the next event id. bad is set when any of
// its rows failed to parse.
func (hr *HitReader) nextGroup() (ev *telescope.Event, bad error, err error) {
	if hr.finished && hr.pending == nil {
		return nil, nil, io.EOF
	}
	for {
		rec := hr.pending
		hr.pending = nil
		if rec == nil {
			rec, err = hr.r.Read()
			if errors.Is(err, io.EOF) {
				hr.finished = true
				if ev != nil {
					return ev, bad, nil
				}
				return nil, nil, io.EOF
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read hit line %d: %w", hr.line+1, err)
			}
			hr.line++
		}

		id, perr := strconv.ParseInt(rec[0], 10, 64)
		if perr != nil {
			return nil, nil, fmt.Errorf("hit line %d: bad event id %q", hr.line, rec[0])
		}
		if ev != nil && id != ev.ID {
			hr.pending = rec
			return ev, bad, nil
		}
		if ev == nil {
			if hr.started && id <= hr.lastID {
				return nil, nil, fmt.Errorf("hit line %d: event %d after %d: %w", hr.line, id, hr.lastID, ErrEventOrder)
			}
			hr.started = true
			hr.lastID = id
			ev = &telescope.Event{ID: id, Hits: map[int][]telescope.Hit{}}
		}

		h, herr := parseHit(rec)
		if herr != nil {
			if bad == nil {
				bad = fmt.Errorf("line %d: %w", hr.line, herr)
			}
			continue
		}
		ev.Hits[h.PlaneID] = append(ev.Hits[h.PlaneID], h)
	}
}

func parseHit(rec []string) (telescope.Hit, error) {
	if len(rec) < 4 {
		return telescope.Hit{}, fmt.Errorf("expected at least 4 fields, got %d", len(rec))
	}
	plane, err := strconv.Atoi(rec[1])
	if err != nil {
		return telescope.Hit{}, fmt.Errorf("bad plane %q", rec[1])
	}
	x, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return telescope.Hit{}, fmt.Errorf("bad x %q", rec[2])
	}
	y, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return telescope.Hit{}, fmt.Errorf("bad y %q", rec[3])
	}
	h := telescope.Hit{PlaneID: plane, X: x, Y: y}
	if len(rec) > 4 && rec[4] != "" {
		if h.Charge, err = strconv.ParseFloat(rec[4], 64); err != nil {
			return telescope.Hit{}, fmt.Errorf("bad charge %q", rec[4])
		}
	}
	if len(rec) > 5 && rec[5] != "" {
		if h.Size, err = strconv.Atoi(rec[5]); err != nil {
			return telescope.Hit{}, fmt.Errorf("bad size %q", rec[5])
		}
	}
	return h, nil
}

// ReadEvents reads every event from r.
func ReadEvents(r io.Reader) ([]*telescope.Event, error) {
	hr, err := NewHitReader(r)
	if err != nil {
		return nil, err
	}
	var events []*telescope.Event
	for {
		ev, err := hr.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
}

// WriteEvents writes events to w in hit file format. Events must be in
// ascending id order; hits are written in plane id order.
func WriteEvents(w io.Writer, events []*telescope.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(HitHeader); err != nil {
		return err
	}
	var last int64
	for i, ev := range events {
		if i > 0 && ev.ID <= last {
			return fmt.Errorf("event %d after %d: %w", ev.ID, last, ErrEventOrder)
		}
		last = ev.ID

		planes := make([]int, 0, len(ev.Hits))
		for p := range ev.Hits {
			planes = append(planes, p)
		}
		sort.Ints(planes)
		for _, p := range planes {
			for _, h := range ev.Hits[p] {
				rec := []string{
					strconv.FormatInt(ev.ID, 10),
					strconv.Itoa(h.PlaneID),
					strconv.FormatFloat(h.X, 'g', -1, 64),
					strconv.FormatFloat(h.Y, 'g', -1, 64),
					strconv.FormatFloat(h.Charge, 'g', -1, 64),
					strconv.Itoa(h.Size),
				}
				if err := cw.Write(rec); err != nil {
					return err
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
