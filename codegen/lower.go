package codegen

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/registry"
)

// BlockTypes resolves block type tags to their definitions. Satisfied by
// *registry.Registry; tests inject fixtures.
type BlockTypes interface {
	Block(typeName string) (registry.BlockTypeDef, bool)
}

// EventTypes resolves event type tags to their definitions.
type EventTypes interface {
	Event(typeName string) (registry.EventTypeDef, bool)
}

// TypeLookup combines the two registry views the generator needs.
type TypeLookup interface {
	BlockTypes
	EventTypes
}

// Options controls a lowering pass.
type Options struct {
	// IncludeIDMaps emits the _block_map and _node_names dict literals
	// used by the execution layer to attribute runtime data back to
	// editor block IDs. Forced on when IncludeRun is false, since the
	// streaming helpers depend on the maps.
	IncludeIDMaps bool

	// IncludeRun emits the final blocking run statement. When false the
	// script instead defines the streaming step helpers and the caller
	// drives execution one chunk at a time.
	IncludeRun bool

	// GroupedConnections emits root connections as one anonymous grouped
	// list literal (fan-out from a source port collapsed into a single
	// Connection call). When false every connection gets its own named
	// binding and an entry in CodeGenResult.ConnVars, which the mutation
	// layer needs to remove connections from a live session.
	GroupedConnections bool

	// CodeContext is user-supplied Python inserted verbatim after the
	// imports. It is a trusted literal, never parsed.
	CodeContext string

	// Registry resolves block and event types. Nil means registry.Global().
	Registry TypeLookup

	// Logger receives skipped-entity warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// SimulationVar is the variable name bound to the Simulation object in
// every generated script. The mutation and streaming layers reference it
// textually.
const SimulationVar = "my_simulation"

// Streaming contract between generated scripts and the execution
// controller. The helper definitions live in emitStreamingHelpers; these
// names are the Go-side handles for evaluating them.
const (
	// StepExpr advances a streaming run by one chunk and returns the
	// step report dict.
	StepExpr = "_flowscope_step()"

	// HaltExpr requests a cooperative stop; the next step observes it.
	HaltExpr = "_flowscope_halt()"

	// TargetVar is the simulated time the run should reach.
	TargetVar = "_flowscope_target"

	// HaltedVar is the cooperative stop flag.
	HaltedVar = "_flowscope_halted"
)

// Generate lowers a graph into an executable PathSim script together with
// the entity-id to variable-name maps the mutation layer patches against.
// Lowering the same graph with the same options twice yields identical
// output. Unknown block or event types are skipped with a warning so a
// partially-known graph still lowers for the entities that resolve.
func Generate(g *core.Graph, settings core.SimulationSettings, opts Options) (*core.CodeGenResult, error) {
	if g == nil {
		return nil, fmt.Errorf("codegen: nil graph")
	}
	gen := newGenerator(opts)
	script := gen.lower(g, settings.Resolve())
	return &core.CodeGenResult{
		Script:    script,
		BlockVars: gen.blockVars,
		ConnVars:  gen.connVars,
	}, nil
}

type generator struct {
	reg  TypeLookup
	log  *slog.Logger
	opts Options

	lines     []string
	blockVars map[string]string
	connVars  map[string]string

	// emission-ordered entries for the id-map literals
	mapEntries  []dictEntry
	nameEntries []dictEntry
	scopeVars   []dictEntry
	spectrum    []dictEntry
}

func newGenerator(opts Options) *generator {
	if opts.Registry == nil {
		opts.Registry = registry.Global()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if !opts.IncludeRun {
		opts.IncludeIDMaps = true
	}
	return &generator{
		reg:       opts.Registry,
		log:       opts.Logger,
		opts:      opts,
		blockVars: make(map[string]string),
		connVars:  make(map[string]string),
	}
}

func (gen *generator) lower(g *core.Graph, settings core.SimulationSettings) string {
	gen.emitImports(g)

	if ctx := strings.TrimSpace(gen.opts.CodeContext); ctx != "" {
		gen.line("")
		gen.line(ctx)
	}

	alloc := NewAllocator()

	// Subsystem definitions come before anything that references them.
	var rootVars []string
	for _, b := range g.Blocks {
		if !b.IsSubsystem() {
			continue
		}
		if v, ok := gen.emitSubsystem(b, alloc); ok {
			rootVars = append(rootVars, v)
		}
	}
	for _, b := range g.Blocks {
		if b.IsSubsystem() || b.Type == core.TypeInterface {
			continue
		}
		if v, ok := gen.emitBlock(b, alloc); ok {
			rootVars = append(rootVars, v)
		}
	}

	if gen.opts.IncludeIDMaps {
		gen.line("")
		gen.line("_block_map = " + pythonDict(gen.mapEntries))
		gen.line("_node_names = " + pythonDict(gen.nameEntries))
	}

	gen.line("")
	gen.emitConnectionList("connections", g.Connections, alloc)

	eventVars := gen.emitEventBindings(g.Events, alloc)
	gen.line("")
	gen.line("events = " + pythonList(eventVars))

	gen.emitSimulation(rootVars, settings)

	if gen.opts.IncludeRun {
		gen.line("")
		gen.line(fmt.Sprintf("%s.run(%s)", SimulationVar, settings.Duration))
	} else {
		gen.emitStreamingHelpers(settings)
	}

	return strings.Join(gen.lines, "\n") + "\n"
}

func (gen *generator) line(s string) { gen.lines = append(gen.lines, s) }

// emitImports writes the header sized to the feature set actually present:
// only the block and event classes the graph references are imported.
func (gen *generator) emitImports(g *core.Graph) {
	gen.line("import pathsim")
	gen.line("from pathsim import Simulation, Connection")
	gen.line("import numpy as np")

	byModule := make(map[string]map[string]bool)
	add := func(module, class string) {
		if module == "" || class == "" {
			return
		}
		if byModule[module] == nil {
			byModule[module] = make(map[string]bool)
		}
		byModule[module][class] = true
	}
	var walk func(g *core.Graph)
	walk = func(g *core.Graph) {
		for _, b := range g.Blocks {
			if def, ok := gen.reg.Block(b.Type); ok {
				add(def.Module, def.ClassName)
			}
			if b.IsSubsystem() {
				walk(b.Graph)
			}
		}
		for _, e := range g.Events {
			if def, ok := gen.reg.Event(e.Type); ok {
				add(def.Module, def.ClassName)
			}
		}
	}
	walk(g)

	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	for _, m := range modules {
		classes := make([]string, 0, len(byModule[m]))
		for c := range byModule[m] {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		gen.line(fmt.Sprintf("from %s import %s", m, strings.Join(classes, ", ")))
	}
}

// emitBlock writes one binding statement for a non-subsystem block and
// records it in the id maps. Returns false when the type is unknown.
func (gen *generator) emitBlock(b *core.BlockInstance, alloc *Allocator) (string, bool) {
	def, ok := gen.reg.Block(b.Type)
	if !ok {
		gen.log.Warn("skipping block with unknown type", "id", b.ID, "type", b.Type)
		return "", false
	}
	v := alloc.Claim(b.Name, "block")
	gen.register(b, v)
	gen.line(fmt.Sprintf("%s = %s(%s)", v, def.ClassName, RenderParams(def.Params, b.Params)))
	return v, true
}

// emitSubsystem recursively writes a subsystem definition: interface
// binding, inner blocks (plain first, nested subsystems in graph order),
// inner events, inner connections, then the aggregate constructor. All
// inner bindings land in the root id maps so mutation targeting reaches
// arbitrarily deep.
func (gen *generator) emitSubsystem(sub *core.BlockInstance, alloc *Allocator) (string, bool) {
	def, ok := gen.reg.Block(sub.Type)
	if !ok {
		gen.log.Warn("skipping subsystem with unknown type", "id", sub.ID, "type", sub.Type)
		return "", false
	}
	subVar := alloc.Claim(sub.Name, "subsystem")
	child := alloc.Child(subVar)

	gen.line("")
	ifaceDef, haveIface := gen.reg.Block(core.TypeInterface)
	ifaceVar := child.Claim("interface", "block")
	if !haveIface {
		ifaceDef.ClassName = "Interface"
	}
	iface, err := core.InterfaceBlock(sub)
	if err == nil {
		gen.register(iface, ifaceVar)
	}
	gen.line(fmt.Sprintf("%s = %s()", ifaceVar, ifaceDef.ClassName))

	inner := []string{ifaceVar}
	for _, b := range sub.Graph.Blocks {
		if b.Type == core.TypeInterface {
			continue
		}
		if b.IsSubsystem() {
			if v, ok := gen.emitSubsystem(b, child); ok {
				inner = append(inner, v)
			}
			continue
		}
		if v, ok := gen.emitBlock(b, child); ok {
			inner = append(inner, v)
		}
	}

	eventVars := gen.emitEventBindings(sub.Graph.Events, child)
	connList := gen.connectionStatements(sub.Graph.Connections, child)

	gen.register(sub, subVar)
	args := fmt.Sprintf("blocks=%s, connections=%s", pythonList(inner), pythonList(connList))
	if len(eventVars) > 0 {
		args += ", events=" + pythonList(eventVars)
	}
	gen.line(fmt.Sprintf("%s = %s(%s)", subVar, def.ClassName, args))
	return subVar, true
}

// register records a block's allocated variable in the result maps and the
// id-map literals, and indexes scope/spectrum blocks for the streaming
// collector.
func (gen *generator) register(b *core.BlockInstance, v string) {
	gen.blockVars[b.ID] = v
	gen.mapEntries = append(gen.mapEntries, dictEntry{Key: b.ID, Value: v})
	gen.nameEntries = append(gen.nameEntries, dictEntry{Key: b.ID, Value: pythonStr(b.Name)})
	switch b.Type {
	case "scope":
		gen.scopeVars = append(gen.scopeVars, dictEntry{Key: b.ID, Value: v})
	case "spectrum":
		gen.spectrum = append(gen.spectrum, dictEntry{Key: b.ID, Value: v})
	}
}

// connectionStatements lowers a connection slice and returns the variable
// names (named mode) or Connection expressions (grouped mode) that form
// the enclosing aggregate list. Connections whose endpoints were skipped
// are dropped with a warning.
func (gen *generator) connectionStatements(conns []*core.Connection, alloc *Allocator) []string {
	if gen.opts.GroupedConnections {
		return gen.groupedConnections(conns)
	}
	var out []string
	for _, c := range conns {
		srcVar, ok1 := gen.blockVars[c.Source]
		tgtVar, ok2 := gen.blockVars[c.Target]
		if !ok1 || !ok2 {
			gen.log.Warn("skipping connection with unresolved endpoint", "id", c.ID)
			continue
		}
		v := alloc.Claim("", "conn")
		gen.connVars[c.ID] = v
		gen.line(fmt.Sprintf("%s = %s", v,
			connectionExpr(srcVar, c.SourcePort, []portRef{{Var: tgtVar, Port: c.TargetPort}})))
		out = append(out, v)
	}
	return out
}

// groupedConnections collapses fan-out from one source port into a single
// Connection expression, preserving first-appearance order.
func (gen *generator) groupedConnections(conns []*core.Connection) []string {
	type key struct {
		src  string
		port int
	}
	var order []key
	targets := make(map[key][]portRef)
	for _, c := range conns {
		srcVar, ok1 := gen.blockVars[c.Source]
		tgtVar, ok2 := gen.blockVars[c.Target]
		if !ok1 || !ok2 {
			gen.log.Warn("skipping connection with unresolved endpoint", "id", c.ID)
			continue
		}
		k := key{src: srcVar, port: c.SourcePort}
		if _, seen := targets[k]; !seen {
			order = append(order, k)
		}
		targets[k] = append(targets[k], portRef{Var: tgtVar, Port: c.TargetPort})
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, connectionExpr(k.src, k.port, targets[k]))
	}
	return out
}

// emitConnectionList writes the root connection statements plus the list
// binding the Simulation constructor references.
func (gen *generator) emitConnectionList(listVar string, conns []*core.Connection, alloc *Allocator) {
	elems := gen.connectionStatements(conns, alloc)
	if gen.opts.GroupedConnections && len(elems) > 0 {
		gen.line(listVar + " = [")
		for _, e := range elems {
			gen.line("    " + e + ",")
		}
		gen.line("]")
		return
	}
	gen.line(listVar + " = " + pythonList(elems))
}

// emitEventBindings writes one binding per event and returns the bound
// variable names. Unknown event types are skipped with a warning.
func (gen *generator) emitEventBindings(events []*core.EventInstance, alloc *Allocator) []string {
	var out []string
	for _, e := range events {
		def, ok := gen.reg.Event(e.Type)
		if !ok {
			gen.log.Warn("skipping event with unknown type", "id", e.ID, "type", e.Type)
			continue
		}
		v := alloc.Claim(e.Name, "event")
		gen.blockVars[e.ID] = v
		gen.mapEntries = append(gen.mapEntries, dictEntry{Key: e.ID, Value: v})
		gen.nameEntries = append(gen.nameEntries, dictEntry{Key: e.ID, Value: pythonStr(e.Name)})
		gen.line(fmt.Sprintf("%s = %s(%s)", v, def.ClassName, RenderParams(def.Params, e.Params)))
		out = append(out, v)
	}
	return out
}

// emitSimulation writes the Simulation constructor configured from the
// resolved settings. Optional bounds are only emitted when set.
func (gen *generator) emitSimulation(blockVars []string, s core.SimulationSettings) {
	gen.line("")
	gen.line("blocks = " + pythonList(blockVars))
	gen.line("")
	gen.line(SimulationVar + " = Simulation(")
	gen.line("    blocks,")
	gen.line("    connections,")
	gen.line("    events=events,")
	gen.line(fmt.Sprintf("    Solver=pathsim.solvers.%s,", s.Solver))
	gen.line(fmt.Sprintf("    dt=%s,", s.Dt))
	if s.DtMin != "" {
		gen.line(fmt.Sprintf("    dt_min=%s,", s.DtMin))
	}
	if s.DtMax != "" {
		gen.line(fmt.Sprintf("    dt_max=%s,", s.DtMax))
	}
	gen.line(fmt.Sprintf("    tolerance_fpi=%s,", s.ToleranceFPI))
	gen.line(fmt.Sprintf("    iterations_max=%s,", s.IterationsMax))
	gen.line(fmt.Sprintf("    log=%s,", s.Log))
	gen.line(")")
}

// emitStreamingHelpers writes the step/collect/halt functions the
// execution controller drives. _flowscope_step advances the simulation by
// one internal chunk and reports {done, progress, result}; collected scope
// samples are incremental (per-block offsets), spectrum data is reported
// in full each call.
func (gen *generator) emitStreamingHelpers(s core.SimulationSettings) {
	gen.line("")
	gen.line("_scope_blocks = " + pythonDict(gen.scopeVars))
	gen.line("_spectrum_blocks = " + pythonDict(gen.spectrum))
	gen.line(fmt.Sprintf("_flowscope_target = float(%s)", s.Duration))
	gen.line(`_flowscope_halted = False
_flowscope_offsets = {}


def _flowscope_halt():
    global _flowscope_halted
    _flowscope_halted = True


def _flowscope_collect():
    scope_data = {}
    for _nid, _blk in _scope_blocks.items():
        _time, _vals = _blk.read()
        _start = _flowscope_offsets.get(_nid, 0)
        if len(_time) > _start:
            scope_data[_nid] = {
                'time': [float(_t) for _t in _time[_start:]],
                'signals': [[float(_x) for _x in _v[_start:]] for _v in _vals],
                'labels': [str(_l) for _l in (getattr(_blk, 'labels', None) or [])],
            }
            _flowscope_offsets[_nid] = len(_time)
    spectrum_data = {}
    for _nid, _blk in _spectrum_blocks.items():
        _freq, _mag = _blk.read()
        spectrum_data[_nid] = {
            'frequency': [float(_f) for _f in _freq],
            'magnitude': [[float(_x) for _x in _m] for _m in _mag],
            'labels': [str(_l) for _l in (getattr(_blk, 'labels', None) or [])],
        }
    return {'scopeData': scope_data, 'spectrumData': spectrum_data}


def _flowscope_step():
    global _flowscope_halted
    _remaining = _flowscope_target - ` + SimulationVar + `.time
    if _flowscope_halted or _remaining <= 0:
        return {'done': True, 'progress': 1.0, 'result': _flowscope_collect()}
    _chunk = max(_flowscope_target / 100.0, float(` + s.Dt + `))
    ` + SimulationVar + `.run(min(_chunk, _remaining), reset=False)
    _done = _flowscope_halted or ` + SimulationVar + `.time >= _flowscope_target
    _progress = min(1.0, ` + SimulationVar + `.time / _flowscope_target) if _flowscope_target > 0 else 1.0
    return {'done': _done, 'progress': _progress, 'result': _flowscope_collect()}`)
}
