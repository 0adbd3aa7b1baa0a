// Package edfexport writes drained capture windows as EDF recordings.
//
// Every channel becomes one EDF signal and every second of data one data
// record (256 samples per EEG electrode, 64 PPG, 1 HR). A channel shorter
// than the others is padded by repeating its last sample (zero when empty)
// so all signals span the same number of records.
package edfexport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/OpenPSG/edf"
	"github.com/e7canasta/orion-biosense/modules/biosession"
)

// ErrEmptyPacket is returned for a packet without samples.
var ErrEmptyPacket = errors.New("edfexport: packet has no samples")

// EDF 16-bit digital range.
const (
	digitalMin = -32768
	digitalMax = 32767
)

// recordDuration is the length of one EDF data record.
const recordDuration = time.Second

// Options describe the recording.
type Options struct {
	PatientID   string
	RecordingID string
	// StartTime defaults to the drain time minus the recording length.
	StartTime time.Time
}

// Summary describes a written recording.
type Summary struct {
	Records int
	Signals int
	// Padded is the number of synthetic padding samples per channel.
	Padded map[biosession.Channel]int
}

type signalSpec struct {
	channel    biosession.Channel
	perRecord  int
	dimension  string
	transducer string
}

func specs() []signalSpec {
	out := make([]signalSpec, 0, biosession.NumChannels)
	for _, ch := range biosession.EEGChannels {
		out = append(out, signalSpec{channel: ch, perRecord: int(biosession.EEGRate), dimension: "uV", transducer: "dry electrode"})
	}
	out = append(out,
		signalSpec{channel: biosession.PPG, perRecord: int(biosession.PPGRate), dimension: "a.u.", transducer: "optical PPG"},
		signalSpec{channel: biosession.HR, perRecord: int(biosession.HRRate), dimension: "bpm", transducer: "derived"},
	)
	return out
}

// WriteFile writes p to a new EDF file at path.
func WriteFile(path string, p biosession.CapturePacket, opts Options) (Summary, error) {
	f, err := os.Create(path)
	if err != nil {
		return Summary{}, fmt.Errorf("edfexport: create %s: %w", path, err)
	}

	sum, werr := Write(f, p, opts)
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = fmt.Errorf("edfexport: close %s: %w", path, cerr)
	}
	if werr != nil {
		os.Remove(path)
		return Summary{}, werr
	}

	slog.Info("edfexport: recording written",
		"path", path,
		"records", sum.Records,
		"window_id", p.Meta.WindowID,
	)
	return sum, nil
}

// Write encodes p as EDF into w.
func Write(w io.WriteSeeker, p biosession.CapturePacket, opts Options) (Summary, error) {
	if p.Empty() {
		return Summary{}, ErrEmptyPacket
	}

	sigs := specs()
	records := 0
	for _, s := range sigs {
		n := len(p.Values(s.channel))
		if r := (n + s.perRecord - 1) / s.perRecord; r > records {
			records = r
		}
	}

	hdr := edf.Header{
		Version:            edf.Version0,
		PatientID:          opts.PatientID,
		RecordingID:        opts.RecordingID,
		StartTime:          startTime(p, opts, records),
		DataRecordDuration: recordDuration,
		SignalCount:        len(sigs),
		Signals:            make([]edf.Signal, 0, len(sigs)),
	}

	sum := Summary{Records: records, Signals: len(sigs), Padded: make(map[biosession.Channel]int)}
	padded := make([][]float64, len(sigs))
	for i, s := range sigs {
		values := p.Values(s.channel)
		padded[i] = pad(values, records*s.perRecord)
		if extra := records*s.perRecord - len(values); extra > 0 {
			sum.Padded[s.channel] = extra
		}

		pmin, pmax := physicalRange(padded[i])
		hdr.Signals = append(hdr.Signals, edf.Signal{
			Label:             label(s.channel),
			TransducerType:    s.transducer,
			PhysicalDimension: s.dimension,
			PhysicalMin:       pmin,
			PhysicalMax:       pmax,
			DigitalMin:        digitalMin,
			DigitalMax:        digitalMax,
			SamplesPerRecord:  s.perRecord,
		})
	}

	ew, err := edf.Create(w, hdr)
	if err != nil {
		return Summary{}, fmt.Errorf("edfexport: %w", err)
	}

	record := make([][]float64, len(sigs))
	for r := 0; r < records; r++ {
		for i, s := range sigs {
			record[i] = padded[i][r*s.perRecord : (r+1)*s.perRecord]
		}
		if err := ew.WriteRecord(record); err != nil {
			return Summary{}, fmt.Errorf("edfexport: record %d: %w", r, err)
		}
	}

	if err := ew.Close(); err != nil {
		return Summary{}, fmt.Errorf("edfexport: finalize header: %w", err)
	}
	return sum, nil
}

func label(ch biosession.Channel) string {
	if ch.IsEEG() {
		return "EEG " + ch.String()
	}
	return ch.String()
}

// pad extends values to n samples by repeating the last one.
func pad(values []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, values)
	var last float64
	if len(values) > 0 {
		last = values[len(values)-1]
	}
	for i := len(values); i < n; i++ {
		out[i] = last
	}
	return out
}

// physicalRange returns an integer range enclosing values. Integer bounds
// keep the 8-character EDF header fields exact.
func physicalRange(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return -1, 1
	}

	lo, hi = math.Floor(lo), math.Ceil(hi)
	if lo == hi {
		lo--
		hi++
	}
	return lo, hi
}

func startTime(p biosession.CapturePacket, opts Options, records int) time.Time {
	if !opts.StartTime.IsZero() {
		return opts.StartTime
	}
	end := p.Meta.DrainedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Add(-time.Duration(records) * recordDuration)
}
