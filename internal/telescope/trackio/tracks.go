package trackio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/testbeam/internal/telescope"
)

// Track record field numbers, as declared in track.proto. The stream is a
// sequence of records, each prefixed with its varint byte length, so it can be
// consumed by any protobuf runtime as delimited messages.
const (
	fieldEventID        protowire.Number = 1
	fieldReferencePlane protowire.Number = 2
	fieldChiSquare      protowire.Number = 3
	fieldNDF            protowire.Number = 4
	fieldChiSquareNDF   protowire.Number = 5
	fieldRefX           protowire.Number = 6
	fieldRefY           protowire.Number = 7
	fieldRefSlopeX      protowire.Number = 8
	fieldRefSlopeY      protowire.Number = 9
	fieldPlane          protowire.Number = 10
)

// Per-plane record field numbers.
const (
	planePlaneID protowire.Number = iota + 1
	planeZ
	planeX
	planeY
	planeSlopeX
	planeSlopeY
	planeCovariance
	planeResidualX
	planeResidualY
	planeMatched
	planeOutlier
	planeUnbiasedResidualX
	planeUnbiasedResidualY
	planeUnbiasedVarianceX
	planeUnbiasedVarianceY
	planePullX
	planePullY
	planeHitX
	planeHitY
)

// maxRecordSize bounds a single record read from a stream.
const maxRecordSize = 1 << 20

// TrackWriter writes length-delimited fitted track records.
type TrackWriter struct {
	w   io.Writer
	buf []byte
}

// NewTrackWriter creates a TrackWriter on w.
func NewTrackWriter(w io.Writer) *TrackWriter {
	return &TrackWriter{w: w}
}

// Write appends one track to the stream.
func (tw *TrackWriter) Write(t *telescope.FittedTrack) error {
	msg := MarshalTrack(t)
	tw.buf = protowire.AppendVarint(tw.buf[:0], uint64(len(msg)))
	tw.buf = append(tw.buf, msg...)
	if _, err := tw.w.Write(tw.buf); err != nil {
		return fmt.Errorf("write track for event %d: %w", t.EventID, err)
	}
	return nil
}

// WriteAll appends every track.
func (tw *TrackWriter) WriteAll(tracks []*telescope.FittedTrack) error {
	for _, t := range tracks {
		if err := tw.Write(t); err != nil {
			return err
		}
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// MarshalTrack encodes t as a single record without length prefix.
func MarshalTrack(t *telescope.FittedTrack) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEventID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.EventID))
	b = appendSint(b, fieldReferencePlane, int64(t.ReferencePlane))
	b = appendDouble(b, fieldChiSquare, t.ChiSquare)
	b = appendSint(b, fieldNDF, int64(t.NDF))
	b = appendDouble(b, fieldChiSquareNDF, t.ChiSquareOverNDF())
	b = appendDouble(b, fieldRefX, t.Reference.X)
	b = appendDouble(b, fieldRefY, t.Reference.Y)
	b = appendDouble(b, fieldRefSlopeX, t.Reference.SlopeX)
	b = appendDouble(b, fieldRefSlopeY, t.Reference.SlopeY)
	for i := range t.Planes {
		b = protowire.AppendTag(b, fieldPlane, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPlane(&t.Planes[i]))
	}
	return b
}

func marshalPlane(p *telescope.PlaneState) []byte {
	var b []byte
	b = appendSint(b, planePlaneID, int64(p.PlaneID))
	b = appendDouble(b, planeZ, p.Z)
	b = appendDouble(b, planeX, p.X)
	b = appendDouble(b, planeY, p.Y)
	b = appendDouble(b, planeSlopeX, p.SlopeX)
	b = appendDouble(b, planeSlopeY, p.SlopeY)

	cov := make([]byte, 0, 8*len(p.Covariance))
	for _, v := range p.Covariance {
		cov = protowire.AppendFixed64(cov, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, planeCovariance, protowire.BytesType)
	b = protowire.AppendBytes(b, cov)

	b = appendDouble(b, planeResidualX, p.ResidualX)
	b = appendDouble(b, planeResidualY, p.ResidualY)
	b = appendBool(b, planeMatched, p.Matched)
	b = appendBool(b, planeOutlier, p.Outlier)
	b = appendDouble(b, planeUnbiasedResidualX, p.UnbiasedResidualX)
	b = appendDouble(b, planeUnbiasedResidualY, p.UnbiasedResidualY)
	b = appendDouble(b, planeUnbiasedVarianceX, p.UnbiasedVarianceX)
	b = appendDouble(b, planeUnbiasedVarianceY, p.UnbiasedVarianceY)
	b = appendDouble(b, planePullX, p.PullX)
	b = appendDouble(b, planePullY, p.PullY)
	b = appendDouble(b, planeHitX, p.HitX)
	b = appendDouble(b, planeHitY, p.HitY)
	return b
}

// TrackReader reads a stream written by TrackWriter.
type TrackReader struct {
	r   *bufio.Reader
	buf []byte
}

// NewTrackReader creates a TrackReader on r.
func NewTrackReader(r io.Reader) *TrackReader {
	return &TrackReader{r: bufio.NewReader(r)}
}

// Next returns the next track, or io.EOF at the end of the stream.
func (tr *TrackReader) Next() (*telescope.FittedTrack, error) {
	n, err := binary.ReadUvarint(tr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read track length: %w", err)
	}
	if n > maxRecordSize {
		return nil, fmt.Errorf("track record of %d bytes exceeds limit", n)
	}
	if cap(tr.buf) < int(n) {
		tr.buf = make([]byte, n)
	}
	tr.buf = tr.buf[:n]
	if _, err := io.ReadFull(tr.r, tr.buf); err != nil {
		return nil, fmt.Errorf("read track record: %w", err)
	}
	return UnmarshalTrack(tr.buf)
}

// ReadTracks reads every track from r.
func ReadTracks(r io.Reader) ([]*telescope.FittedTrack, error) {
	tr := NewTrackReader(r)
	var out []*telescope.FittedTrack
	for {
		t, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
}

// field is one decoded key/value of a record.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	u64  uint64
	data []byte
}

// fields splits b into its top-level fields.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func (f field) double() float64 { return math.Float64frombits(f.u64) }
func (f field) sint() int64     { return protowire.DecodeZigZag(f.u64) }

// UnmarshalTrack decodes a record produced by MarshalTrack. Unknown fields
// are skipped.
func UnmarshalTrack(b []byte) (*telescope.FittedTrack, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, fmt.Errorf("decode track: %w", err)
	}
	t := &telescope.FittedTrack{}
	for _, f := range fs {
		switch f.num {
		case fieldEventID:
			t.EventID = int64(f.u64)
		case fieldReferencePlane:
			t.ReferencePlane = int(f.sint())
		case fieldChiSquare:
			t.ChiSquare = f.double()
		case fieldNDF:
			t.NDF = int(f.sint())
		case fieldRefX:
			t.Reference.X = f.double()
		case fieldRefY:
			t.Reference.Y = f.double()
		case fieldRefSlopeX:
			t.Reference.SlopeX = f.double()
		case fieldRefSlopeY:
			t.Reference.SlopeY = f.double()
		case fieldPlane:
			ps, err := unmarshalPlane(f.data)
			if err != nil {
				return nil, fmt.Errorf("decode track %d: %w", t.EventID, err)
			}
			t.Planes = append(t.Planes, ps)
		}
	}
	return t, nil
}

func unmarshalPlane(b []byte) (telescope.PlaneState, error) {
	var p telescope.PlaneState
	fs, err := fields(b)
	if err != nil {
		return p, err
	}
	for _, f := range fs {
		switch f.num {
		case planePlaneID:
			p.PlaneID = int(f.sint())
		case planeZ:
			p.Z = f.double()
		case planeX:
			p.X = f.double()
		case planeY:
			p.Y = f.double()
		case planeSlopeX:
			p.SlopeX = f.double()
		case planeSlopeY:
			p.SlopeY = f.double()
		case planeCovariance:
			if len(f.data) != 8*len(p.Covariance) {
				return p, fmt.Errorf("plane %d: covariance has %d bytes", p.PlaneID, len(f.data))
			}
			for i := range p.Covariance {
				v, _ := protowire.ConsumeFixed64(f.data[8*i:])
				p.Covariance[i] = math.Float64frombits(v)
			}
		case planeResidualX:
			p.ResidualX = f.double()
		case planeResidualY:
			p.ResidualY = f.double()
		case planeMatched:
			p.Matched = protowire.DecodeBool(f.u64)
		case planeOutlier:
			p.Outlier = protowire.DecodeBool(f.u64)
		case planeUnbiasedResidualX:
			p.UnbiasedResidualX = f.double()
		case planeUnbiasedResidualY:
			p.UnbiasedResidualY = f.double()
		case planeUnbiasedVarianceX:
			p.UnbiasedVarianceX = f.double()
		case planeUnbiasedVarianceY:
			p.UnbiasedVarianceY = f.double()
		case planePullX:
			p.PullX = f.double()
		case planePullY:
			p.PullY = f.double()
		case planeHitX:
			p.HitX = f.double()
		case planeHitY:
			p.HitY = f.double()
		}
	}
	return p, nil
}
