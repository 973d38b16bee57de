// Package core provides the foundational types for FlowScope graphs and
// simulation results.
//
// This package contains:
//   - Graph model: BlockInstance, Connection, EventInstance, Graph
//   - Run configuration: SimulationSettings
//   - Compiler output: CodeGenResult
//   - Result carrier: Result, ScopeTrace, SpectrumTrace
package core

import "fmt"

// Position is a block's location on the editor canvas. The compiler ignores
// it but it round-trips through the loader so saved documents stay intact.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Port is one input or output slot on a block. Ports are ordered; a port's
// index within its slice is its wire index in generated code.
type Port struct {
	Name string `json:"name" yaml:"name"`
}

// BlockInstance is a single block in the diagram.
//
// Params maps parameter names to raw Python expression strings. Expressions
// are emitted verbatim into generated code, never parsed or validated here;
// expression validation is an explicitly separate, sandboxed concern.
//
// Graph is non-nil only for subsystem blocks and holds the self-contained
// child graph. The child graph's synthetic interface block is derived from
// the subsystem's own ports (see InterfaceBlock), not stored.
type BlockInstance struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Position Position          `json:"position" yaml:"position"`
	Inputs   []Port            `json:"inputs" yaml:"inputs"`
	Outputs  []Port            `json:"outputs" yaml:"outputs"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Color    string            `json:"color,omitempty" yaml:"color,omitempty"`
	Graph    *Graph            `json:"graph,omitempty" yaml:"graph,omitempty"`
}

// IsSubsystem reports whether the block carries a nested child graph.
func (b *BlockInstance) IsSubsystem() bool {
	return b.Type == TypeSubsystem
}

// Connection is a directed edge between two block ports.
// A target port accepts at most one inbound connection; a source port may
// fan out to any number of targets.
type Connection struct {
	ID         string `json:"id" yaml:"id"`
	Source     string `json:"source" yaml:"source"`
	SourcePort int    `json:"sourcePort" yaml:"sourcePort"`
	Target     string `json:"target" yaml:"target"`
	TargetPort int    `json:"targetPort" yaml:"targetPort"`
}

// EventInstance is a scheduling or trigger object attached to a graph.
// Events live at graph root or directly inside a subsystem's child graph,
// never deeper.
type EventInstance struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Position Position          `json:"position" yaml:"position"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Annotation is free-floating editor text. Carried for round-tripping only.
type Annotation struct {
	ID       string   `json:"id" yaml:"id"`
	Text     string   `json:"text" yaml:"text"`
	Position Position `json:"position" yaml:"position"`
}

// Graph is a flat collection of blocks, connections and events. Subsystem
// blocks nest another Graph, giving the model its hierarchy.
type Graph struct {
	Blocks      []*BlockInstance `json:"blocks" yaml:"blocks"`
	Connections []*Connection    `json:"connections" yaml:"connections"`
	Events      []*EventInstance `json:"events,omitempty" yaml:"events,omitempty"`
	Annotations []*Annotation    `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// BlockByID returns the block with the given ID, searching this graph only
// (not nested subsystem graphs).
func (g *Graph) BlockByID(id string) (*BlockInstance, bool) {
	for _, b := range g.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// ConnectionByID returns the connection with the given ID.
func (g *Graph) ConnectionByID(id string) (*Connection, bool) {
	for _, c := range g.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// SimulationSettings is the global run configuration. Every field is a raw
// Python expression string; empty fields fall back to the defaults
// substituted by Resolve.
type SimulationSettings struct {
	Duration      string `json:"duration" yaml:"duration"`
	Dt            string `json:"dt" yaml:"dt"`
	DtMin         string `json:"dtMin,omitempty" yaml:"dtMin,omitempty"`
	DtMax         string `json:"dtMax,omitempty" yaml:"dtMax,omitempty"`
	Solver        string `json:"solver" yaml:"solver"`
	ToleranceFPI  string `json:"toleranceFpi,omitempty" yaml:"toleranceFpi,omitempty"`
	IterationsMax string `json:"iterationsMax,omitempty" yaml:"iterationsMax,omitempty"`
	Log           string `json:"log,omitempty" yaml:"log,omitempty"`
}

// DefaultSimulationSettings returns the fallback values used when a field
// is left blank in the editor.
func DefaultSimulationSettings() SimulationSettings {
	return SimulationSettings{
		Duration:      "10",
		Dt:            "0.01",
		Solver:        "SSPRK22",
		ToleranceFPI:  "1e-9",
		IterationsMax: "200",
		Log:           "False",
	}
}

// Resolve returns a copy with every empty field replaced by its default.
// DtMin and DtMax stay empty when unset; the compiler omits them entirely.
func (s SimulationSettings) Resolve() SimulationSettings {
	def := DefaultSimulationSettings()
	if s.Duration == "" {
		s.Duration = def.Duration
	}
	if s.Dt == "" {
		s.Dt = def.Dt
	}
	if s.Solver == "" {
		s.Solver = def.Solver
	}
	if s.ToleranceFPI == "" {
		s.ToleranceFPI = def.ToleranceFPI
	}
	if s.IterationsMax == "" {
		s.IterationsMax = def.IterationsMax
	}
	if s.Log == "" {
		s.Log = def.Log
	}
	return s
}

// CodeGenResult is the output of lowering a graph.
//
// BlockVars and ConnVars map entity IDs to the variable names bound in the
// emitted script, including entities nested inside subsystems. They are the
// only handle the mutation layer has on an already-running entity, so they
// must be deterministic for a given graph.
type CodeGenResult struct {
	Script    string
	BlockVars map[string]string
	ConnVars  map[string]string
}

// ScopeTrace is time-series data recorded by one scope block. Signals holds
// one row per recorded signal; every row has len(Time) samples.
type ScopeTrace struct {
	Time    []float64   `json:"time"`
	Signals [][]float64 `json:"signals"`
	Labels  []string    `json:"labels,omitempty"`
}

// SpectrumTrace is frequency-domain data recorded by one spectrum block.
type SpectrumTrace struct {
	Frequency []float64   `json:"frequency"`
	Magnitude [][]float64 `json:"magnitude"`
	Labels    []string    `json:"labels,omitempty"`
}

// Result is the accumulated output of a simulation run, keyed by the editor
// node IDs so the UI can attribute data to blocks.
type Result struct {
	ScopeData    map[string]*ScopeTrace    `json:"scopeData"`
	SpectrumData map[string]*SpectrumTrace `json:"spectrumData"`
	NodeNames    map[string]string         `json:"nodeNames"`
}

// NewResult returns an empty Result with all maps allocated.
func NewResult() *Result {
	return &Result{
		ScopeData:    make(map[string]*ScopeTrace),
		SpectrumData: make(map[string]*SpectrumTrace),
		NodeNames:    make(map[string]string),
	}
}

// Clone returns a deep copy. Used when retaining ghost history so retained
// results cannot alias the live accumulator.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := NewResult()
	for id, tr := range r.ScopeData {
		ct := &ScopeTrace{
			Time:    append([]float64(nil), tr.Time...),
			Labels:  append([]string(nil), tr.Labels...),
			Signals: make([][]float64, len(tr.Signals)),
		}
		for i, sig := range tr.Signals {
			ct.Signals[i] = append([]float64(nil), sig...)
		}
		out.ScopeData[id] = ct
	}
	for id, tr := range r.SpectrumData {
		ct := &SpectrumTrace{
			Frequency: append([]float64(nil), tr.Frequency...),
			Labels:    append([]string(nil), tr.Labels...),
			Magnitude: make([][]float64, len(tr.Magnitude)),
		}
		for i, sig := range tr.Magnitude {
			ct.Magnitude[i] = append([]float64(nil), sig...)
		}
		out.SpectrumData[id] = ct
	}
	for id, name := range r.NodeNames {
		out.NodeNames[id] = name
	}
	return out
}

// Empty reports whether the result holds no trace data.
func (r *Result) Empty() bool {
	return r == nil || (len(r.ScopeData) == 0 && len(r.SpectrumData) == 0)
}

// String implements fmt.Stringer for log output.
func (r *Result) String() string {
	if r == nil {
		return "Result(nil)"
	}
	return fmt.Sprintf("Result(scopes=%d spectra=%d)", len(r.ScopeData), len(r.SpectrumData))
}
