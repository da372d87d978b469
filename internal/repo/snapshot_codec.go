package repo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/projection"
	"github.com/outbreakstack/renewal-rt/internal/renewal"
)

// Snapshot is the persisted state of one analysis.
type Snapshot struct {
	ID             string
	CreatedAt      time.Time
	Series         models.IncidenceSeries
	SerialInterval models.SerialIntervalSummary
	Posteriors     []renewal.Posterior
	// Ensemble is nil when the analysis did not project.
	Ensemble *projection.Ensemble
}

// ErrCorruptSnapshot is returned for bytes that do not decode to a Snapshot.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Field numbers of the snapshot wire format. Numbers are never reused.
const (
	snapID             protowire.Number = 1
	snapCreatedAt      protowire.Number = 2
	snapSeries         protowire.Number = 3
	snapSerialInterval protowire.Number = 4
	snapPosterior      protowire.Number = 5
	snapEnsemble       protowire.Number = 6

	seriesStart    protowire.Number = 1
	seriesInterval protowire.Number = 2
	seriesCounts   protowire.Number = 3

	siMethod    protowire.Number = 1
	siMean      protowire.Number = 2
	siSD        protowire.Number = 3
	siDraws     protowire.Number = 4
	siConverged protowire.Number = 5

	postStart       protowire.Number = 1
	postEnd         protowire.Number = 2
	postShape       protowire.Number = 3
	postRate        protowire.Number = 4
	postMean        protowire.Number = 5
	postStdDev      protowire.Number = 6
	postCV          protowire.Number = 7
	postMedian      protowire.Number = 8
	postQuantile    protowire.Number = 9
	postIncidence   protowire.Number = 10
	postInfectivity protowire.Number = 11
	postComponents  protowire.Number = 12
	postWarning     protowire.Number = 13

	quantileP     protowire.Number = 1
	quantileValue protowire.Number = 2

	ensStart        protowire.Number = 1
	ensDays         protowire.Number = 2
	ensTrajectories protowire.Number = 3
	ensValues       protowire.Number = 4
	ensRValues      protowire.Number = 5
	ensModel        protowire.Number = 6
)

// MarshalSnapshot encodes s in protobuf wire format.
func MarshalSnapshot(s *Snapshot) []byte {
	var b []byte
	b = appendString(b, snapID, s.ID)
	b = appendInt(b, snapCreatedAt, s.CreatedAt.UnixNano())
	b = appendMessage(b, snapSeries, marshalSeries(s.Series))
	b = appendMessage(b, snapSerialInterval, marshalSerialInterval(s.SerialInterval))
	for _, p := range s.Posteriors {
		b = appendMessage(b, snapPosterior, marshalPosterior(p))
	}
	if s.Ensemble != nil {
		b = appendMessage(b, snapEnsemble, marshalEnsemble(s.Ensemble))
	}
	return b
}

func marshalSeries(s models.IncidenceSeries) []byte {
	var b []byte
	b = appendInt(b, seriesStart, s.Start.Unix())
	b = appendInt(b, seriesInterval, int64(s.Interval))
	var packed []byte
	for _, c := range s.Counts() {
		packed = protowire.AppendVarint(packed, uint64(c))
	}
	return appendMessage(b, seriesCounts, packed)
}

func marshalSerialInterval(si models.SerialIntervalSummary) []byte {
	var b []byte
	b = appendString(b, siMethod, si.Method)
	b = appendFloat(b, siMean, si.Mean)
	b = appendFloat(b, siSD, si.SD)
	b = appendInt(b, siDraws, int64(si.Draws))
	if si.Converged {
		b = appendInt(b, siConverged, 1)
	}
	return b
}

func marshalPosterior(p renewal.Posterior) []byte {
	var b []byte
	b = appendInt(b, postStart, int64(p.Window.Start))
	b = appendInt(b, postEnd, int64(p.Window.End))
	b = appendFloat(b, postShape, p.Shape)
	b = appendFloat(b, postRate, p.Rate)
	b = appendFloat(b, postMean, p.Mean)
	b = appendFloat(b, postStdDev, p.StdDev)
	b = appendFloat(b, postCV, p.CV)
	b = appendFloat(b, postMedian, p.Median)
	for _, q := range p.Quantiles {
		var qb []byte
		qb = appendFloat(qb, quantileP, q.P)
		qb = appendFloat(qb, quantileValue, q.Value)
		b = appendMessage(b, postQuantile, qb)
	}
	b = appendInt(b, postIncidence, int64(p.Incidence))
	b = appendFloat(b, postInfectivity, p.Infectivity)
	b = appendInt(b, postComponents, int64(p.Components))
	for _, w := range p.Warnings {
		b = appendString(b, postWarning, w)
	}
	return b
}

func marshalEnsemble(e *projection.Ensemble) []byte {
	var b []byte
	b = appendInt(b, ensStart, e.Start.Unix())
	b = appendInt(b, ensDays, int64(e.Days))
	b = appendInt(b, ensTrajectories, int64(e.Trajectories))
	var packed []byte
	for _, v := range e.Values() {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = appendMessage(b, ensValues, packed)
	if e.RValues != nil {
		var rs []byte
		for _, r := range e.RValues {
			rs = protowire.AppendFixed64(rs, math.Float64bits(r))
		}
		b = appendMessage(b, ensRValues, rs)
	}
	b = appendInt(b, ensModel, int64(e.Model))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// UnmarshalSnapshot decodes bytes produced by MarshalSnapshot. Unknown fields
// are skipped.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	var (
		start    int64
		interval int64
		counts   []int
	)
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case snapID:
			s.ID = string(f.bytes)
		case snapCreatedAt:
			s.CreatedAt = time.Unix(0, f.int()).UTC()
		case snapSeries:
			return walk(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case seriesStart:
					start = f.int()
				case seriesInterval:
					interval = f.int()
				case seriesCounts:
					values, err := unpackVarints(f.bytes)
					counts = values
					return err
				}
				return nil
			})
		case snapSerialInterval:
			return walk(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case siMethod:
					s.SerialInterval.Method = string(f.bytes)
				case siMean:
					s.SerialInterval.Mean = f.float()
				case siSD:
					s.SerialInterval.SD = f.float()
				case siDraws:
					s.SerialInterval.Draws = int(f.int())
				case siConverged:
					s.SerialInterval.Converged = f.int() != 0
				}
				return nil
			})
		case snapPosterior:
			p, err := unmarshalPosterior(f.bytes)
			if err != nil {
				return err
			}
			s.Posteriors = append(s.Posteriors, p)
		case snapEnsemble:
			e, err := unmarshalEnsemble(f.bytes)
			if err != nil {
				return err
			}
			s.Ensemble = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if interval > 0 {
		series, err := models.NewBinnedSeries(time.Unix(start, 0).UTC(), int(interval), counts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		s.Series = series
	}
	return s, nil
}

func unmarshalPosterior(data []byte) (renewal.Posterior, error) {
	var p renewal.Posterior
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case postStart:
			p.Window.Start = int(f.int())
		case postEnd:
			p.Window.End = int(f.int())
		case postShape:
			p.Shape = f.float()
		case postRate:
			p.Rate = f.float()
		case postMean:
			p.Mean = f.float()
		case postStdDev:
			p.StdDev = f.float()
		case postCV:
			p.CV = f.float()
		case postMedian:
			p.Median = f.float()
		case postQuantile:
			var q renewal.Quantile
			err := walk(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case quantileP:
					q.P = f.float()
				case quantileValue:
					q.Value = f.float()
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Quantiles = append(p.Quantiles, q)
		case postIncidence:
			p.Incidence = int(f.int())
		case postInfectivity:
			p.Infectivity = f.float()
		case postComponents:
			p.Components = int(f.int())
		case postWarning:
			p.Warnings = append(p.Warnings, string(f.bytes))
		}
		return nil
	})
	return p, err
}

func unmarshalEnsemble(data []byte) (*projection.Ensemble, error) {
	var (
		start              int64
		days, trajectories int
		values             []int
		rValues            []float64
		model              projection.Model
	)
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case ensStart:
			start = f.int()
		case ensDays:
			days = int(f.int())
		case ensTrajectories:
			trajectories = int(f.int())
		case ensModel:
			model = projection.Model(f.int())
		case ensValues:
			v, err := unpackVarints(f.bytes)
			values = v
			return err
		case ensRValues:
			rValues = []float64{}
			b := f.bytes
			for len(b) > 0 {
				bits, n := protowire.ConsumeFixed64(b)
				if n < 0 {
					return fmt.Errorf("%w: %v", ErrCorruptSnapshot, protowire.ParseError(n))
				}
				rValues = append(rValues, math.Float64frombits(bits))
				b = b[n:]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ens, err := projection.NewEnsemble(time.Unix(start, 0).UTC(), days, trajectories, values, rValues)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	ens.Model = model
	return ens, nil
}

// field is one decoded wire value; only the member matching its type is set.
type field struct {
	varint uint64
	fixed  uint64
	bytes  []byte
}

func (f field) int() int64     { return protowire.DecodeZigZag(f.varint) }
func (f field) float() float64 { return math.Float64frombits(f.fixed) }

// walk calls fn for every field of a message.
func walk(data []byte, fn func(protowire.Number, field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, protowire.ParseError(n))
		}
		data = data[n:]

		var f field
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrCorruptSnapshot, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, protowire.ParseError(n))
		}
		data = data[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

func unpackVarints(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, protowire.ParseError(n))
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}
