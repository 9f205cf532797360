package trackio

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
)

// ---------------------------------------------------------------------------
// Hit files
// ---------------------------------------------------------------------------

func TestHitFileRoundTrip(t *testing.T) {
	t.Parallel()

	sim := simulate.DefaultConfig()
	sim.Events = 20
	sim.NoiseHitsPerPlane = 1
	sim.NoiseHalfWidth = 2
	out, err := simulate.Generate(sim)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEvents(&buf, out.Events))
	assert.True(t, strings.HasPrefix(buf.String(), "event,plane,x,y,charge,size\n"))

	back, err := ReadEvents(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(out.Events, back); diff != "" {
		t.Errorf("events differ after round trip (-want +got):\n%s", diff)
	}
}

func TestReadEventsGroupsRows(t *testing.T) {
	t.Parallel()

	in := `event,plane,x,y,charge
3,0,0.1,0.2,5
3,1,0.3,0.4,
3,0,0.5,0.6,1
8,2,-1,1,0
`
	events, err := ReadEvents(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(3), events[0].ID)
	assert.Len(t, events[0].Hits[0], 2)
	assert.Equal(t, 0.5, events[0].Hits[0][1].X)
	assert.Equal(t, 5.0, events[0].Hits[0][0].Charge)
	assert.Equal(t, 3, events[0].NumHits())
	assert.Equal(t, int64(8), events[1].ID)
}

func TestReadEventsRejectsDescendingIDs(t *testing.T) {
	t.Parallel()

	in := "event,plane,x,y\n5,0,0,0\n4,0,0,0\n"
	_, err := ReadEvents(strings.NewReader(in))
	assert.True(t, errors.Is(err, ErrEventOrder))

	in = "event,plane,x,y\n5,0,0,0\n6,0,0,0\n5,1,0,0\n"
	_, err = ReadEvents(strings.NewReader(in))
	assert.True(t, errors.Is(err, ErrEventOrder))
}

// Not parallel: swaps the package logger.
func TestReadEventsDropsMalformedEvent(t *testing.T) {
	prev := monitoring.Logf
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, format)
	})
	defer monitoring.SetLogger(prev)

	in := "event,plane,x,y\n1,0,0,0\n2,0,abc,0\n2,1,0,0\n3,0,1,1\n"
	events, err := ReadEvents(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)
	assert.Len(t, logged, 1)
}

func TestReadEventsBadHeader(t *testing.T) {
	t.Parallel()

	_, err := ReadEvents(strings.NewReader("a,b,c,d\n1,0,0,0\n"))
	assert.Error(t, err)
	_, err = ReadEvents(strings.NewReader(""))
	assert.Error(t, err)
}

func TestWriteEventsRejectsUnordered(t *testing.T) {
	t.Parallel()

	events := []*telescope.Event{{ID: 2}, {ID: 1}}
	err := WriteEvents(io.Discard, events)
	assert.True(t, errors.Is(err, ErrEventOrder))
}

// ---------------------------------------------------------------------------
// Track stream
// ---------------------------------------------------------------------------

func sampleTrack(id int64) *telescope.FittedTrack {
	tr := &telescope.FittedTrack{
		EventID:        id,
		ReferencePlane: 0,
		Reference:      telescope.State{X: 1, Y: -2, SlopeX: 0.01, SlopeY: -0.02},
		ChiSquare:      7.5,
		NDF:            8,
	}
	for p := 0; p < 3; p++ {
		ps := telescope.PlaneState{
			PlaneID:   p,
			Z:         float64(p),
			State:     telescope.State{X: 1 + 0.01*float64(p), Y: -2, SlopeX: 0.01, SlopeY: -0.02},
			ResidualX: 0.001 * float64(p),
			PullY:     -1.5,
			Matched:   p != 1,
			Outlier:   p == 1,
			HitX:      3,
		}
		for i := range ps.Covariance {
			ps.Covariance[i] = float64(i) * 1e-5
		}
		tr.Planes = append(tr.Planes, ps)
	}
	return tr
}

func TestTrackStreamRoundTrip(t *testing.T) {
	t.Parallel()

	tracks := []*telescope.FittedTrack{sampleTrack(1), sampleTrack(2), sampleTrack(1 << 40)}
	var buf bytes.Buffer
	require.NoError(t, NewTrackWriter(&buf).WriteAll(tracks))

	back, err := ReadTracks(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(tracks, back); diff != "" {
		t.Errorf("tracks differ after round trip (-want +got):\n%s", diff)
	}
}

func TestTrackRecordCarriesChiSquareOverNDF(t *testing.T) {
	t.Parallel()

	tr := sampleTrack(1)
	tr.NDF = 0
	b := MarshalTrack(tr)

	fs, err := fields(b)
	require.NoError(t, err)
	found := false
	for _, f := range fs {
		if f.num == fieldChiSquareNDF {
			found = true
			assert.True(t, math.IsInf(f.double(), 1))
		}
	}
	assert.True(t, found)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	t.Parallel()

	b := MarshalTrack(sampleTrack(9))
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	tr, err := UnmarshalTrack(b)
	require.NoError(t, err)
	assert.Equal(t, int64(9), tr.EventID)
	assert.Len(t, tr.Planes, 3)
}

func TestTrackReaderTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewTrackWriter(&buf).Write(sampleTrack(1)))
	data := buf.Bytes()[:buf.Len()-3]

	_, err := ReadTracks(bytes.NewReader(data))
	assert.Error(t, err)
}

var protoField = regexp.MustCompile(`^\s*(?:repeated\s+)?\w+\s+(\w+)\s*=\s*(\d+);`)

// protoFields returns the field numbers declared in each message of track.proto.
func protoFields(t *testing.T) map[string]map[string]protowire.Number {
	t.Helper()
	raw, err := os.ReadFile("track.proto")
	require.NoError(t, err)

	out := map[string]map[string]protowire.Number{}
	var msg string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "message "); ok {
			msg = strings.TrimSuffix(strings.TrimSpace(name), " {")
			out[msg] = map[string]protowire.Number{}
			continue
		}
		if line == "}" {
			msg = ""
			continue
		}
		m := protoField.FindStringSubmatch(line)
		if msg == "" || m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		require.NoError(t, err)
		out[msg][m[1]] = protowire.Number(n)
	}
	return out
}

func TestTrackProtoMatchesEncoder(t *testing.T) {
	t.Parallel()

	want := map[string]map[string]protowire.Number{
		"FittedTrack": {
			"event_id":          fieldEventID,
			"reference_plane":   fieldReferencePlane,
			"chi2":              fieldChiSquare,
			"ndf":               fieldNDF,
			"chi2_over_ndf":     fieldChiSquareNDF,
			"reference_x":       fieldRefX,
			"reference_y":       fieldRefY,
			"reference_slope_x": fieldRefSlopeX,
			"reference_slope_y": fieldRefSlopeY,
			"planes":            fieldPlane,
		},
		"PlaneState": {
			"plane_id":            planePlaneID,
			"z":                   planeZ,
			"x":                   planeX,
			"y":                   planeY,
			"slope_x":             planeSlopeX,
			"slope_y":             planeSlopeY,
			"covariance":          planeCovariance,
			"residual_x":          planeResidualX,
			"residual_y":          planeResidualY,
			"matched":             planeMatched,
			"outlier":             planeOutlier,
			"unbiased_residual_x": planeUnbiasedResidualX,
			"unbiased_residual_y": planeUnbiasedResidualY,
			"unbiased_variance_x": planeUnbiasedVarianceX,
			"unbiased_variance_y": planeUnbiasedVarianceY,
			"pull_x":              planePullX,
			"pull_y":              planePullY,
			"hit_x":               planeHitX,
			"hit_y":               planeHitY,
		},
	}
	if diff := cmp.Diff(want, protoFields(t)); diff != "" {
		t.Errorf("track.proto out of sync with encoder (-want +got):\n%s", diff)
	}
}
