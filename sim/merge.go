package sim

import (
	"encoding/json"
	"fmt"

	"github.com/flowscope/flowscope/core"
)

// stepReport is the decoded payload of one streaming step. The worker sends
// one report per `_flowscope_step()` evaluation; Result carries only the
// samples recorded since the previous report.
type stepReport struct {
	Done     bool          `json:"done"`
	Progress float64       `json:"progress"`
	Result   *stepSnapshot `json:"result"`
}

// stepSnapshot mirrors the result dict built by the generated collect
// helper. Scope traces are incremental deltas; spectrum traces are full
// recomputed snapshots.
type stepSnapshot struct {
	ScopeData    map[string]*core.ScopeTrace    `json:"scopeData"`
	SpectrumData map[string]*core.SpectrumTrace `json:"spectrumData"`
}

// decodeStep parses one stream-data value into a stepReport.
func decodeStep(raw json.RawMessage) (*stepReport, error) {
	var rep stepReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("decode step report: %w", err)
	}
	return &rep, nil
}

// merge folds one incremental snapshot into the accumulated result. Scope
// traces append; the worker only ships samples past the last reported
// offset, so appending preserves sample order. Spectrum traces replace:
// each snapshot is a full recomputation over all samples so far, and
// concatenating spectra would be meaningless.
func merge(acc *core.Result, snap *stepSnapshot) bool {
	if snap == nil {
		return false
	}
	changed := false
	for id, delta := range snap.ScopeData {
		if delta == nil || len(delta.Time) == 0 {
			continue
		}
		tr := acc.ScopeData[id]
		if tr == nil {
			tr = &core.ScopeTrace{}
			acc.ScopeData[id] = tr
		}
		tr.Time = append(tr.Time, delta.Time...)
		for i, sig := range delta.Signals {
			if i < len(tr.Signals) {
				tr.Signals[i] = append(tr.Signals[i], sig...)
			} else {
				tr.Signals = append(tr.Signals, append([]float64(nil), sig...))
			}
		}
		if len(delta.Labels) > 0 {
			tr.Labels = append([]string(nil), delta.Labels...)
		}
		changed = true
	}
	for id, full := range snap.SpectrumData {
		if full == nil || len(full.Frequency) == 0 {
			continue
		}
		acc.SpectrumData[id] = &core.SpectrumTrace{
			Frequency: append([]float64(nil), full.Frequency...),
			Magnitude: cloneRows(full.Magnitude),
			Labels:    append([]string(nil), full.Labels...),
		}
		changed = true
	}
	return changed
}

func cloneRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
