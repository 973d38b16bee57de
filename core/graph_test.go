package core

import (
	"errors"
	"testing"
)

func twoBlockGraph() *Graph {
	return &Graph{
		Blocks: []*BlockInstance{
			{ID: "n1", Type: "sinesource", Name: "Source", Outputs: []Port{{Name: "out"}}},
			{ID: "n2", Type: "scope", Name: "Scope", Inputs: []Port{{Name: "in"}}},
		},
		Connections: []*Connection{
			{ID: "c1", Source: "n1", SourcePort: 0, Target: "n2", TargetPort: 0},
		},
	}
}

func TestAddConnectionRejectsOccupiedTargetPort(t *testing.T) {
	g := twoBlockGraph()
	g.Blocks = append(g.Blocks, &BlockInstance{
		ID: "n3", Type: "constant", Outputs: []Port{{Name: "out"}},
	})

	err := g.AddConnection(&Connection{ID: "c2", Source: "n3", Target: "n2", TargetPort: 0})
	if !errors.Is(err, ErrPortOccupied) {
		t.Fatalf("expected ErrPortOccupied, got %v", err)
	}
}

func TestAddConnectionAllowsFanOut(t *testing.T) {
	g := twoBlockGraph()
	g.Blocks = append(g.Blocks, &BlockInstance{
		ID: "n3", Type: "scope", Inputs: []Port{{Name: "in"}},
	})

	// Same source port, second target: one-to-many is allowed.
	if err := g.AddConnection(&Connection{ID: "c2", Source: "n1", Target: "n3"}); err != nil {
		t.Fatalf("fan-out connection rejected: %v", err)
	}
	if got := len(g.ConnectionsFrom("n1")); got != 2 {
		t.Fatalf("expected 2 outgoing connections, got %d", got)
	}
}

func TestAddConnectionPortOutOfRange(t *testing.T) {
	g := twoBlockGraph()
	err := g.AddConnection(&Connection{ID: "c2", Source: "n1", SourcePort: 3, Target: "n2"})
	if !errors.Is(err, ErrPortOutOfRange) {
		t.Fatalf("expected ErrPortOutOfRange, got %v", err)
	}
}

func TestRemoveBlockCascadesConnections(t *testing.T) {
	g := twoBlockGraph()
	if err := g.RemoveBlock("n1"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	if len(g.Connections) != 0 {
		t.Fatalf("expected incident connections removed, got %d", len(g.Connections))
	}
	if _, ok := g.BlockByID("n1"); ok {
		t.Fatal("block n1 still present after removal")
	}
}

func TestInterfaceBlockInvertsPorts(t *testing.T) {
	sub := &BlockInstance{
		ID:      "s1",
		Type:    TypeSubsystem,
		Name:    "Plant",
		Inputs:  []Port{{Name: "u0"}, {Name: "u1"}, {Name: "u2"}},
		Outputs: []Port{{Name: "y0"}},
		Graph:   &Graph{},
	}

	iface, err := InterfaceBlock(sub)
	if err != nil {
		t.Fatalf("InterfaceBlock: %v", err)
	}
	// N parent inputs -> N interface outputs; M parent outputs -> M interface inputs.
	if len(iface.Outputs) != 3 || len(iface.Inputs) != 1 {
		t.Fatalf("expected 3 outputs / 1 input on interface, got %d/%d",
			len(iface.Outputs), len(iface.Inputs))
	}
	if iface.ID != InterfaceID("s1") {
		t.Fatalf("unexpected interface ID %q", iface.ID)
	}

	// Parent port edits are visible through the derived interface.
	sub.Inputs = append(sub.Inputs, Port{Name: "u3"})
	iface, err = InterfaceBlock(sub)
	if err != nil {
		t.Fatalf("InterfaceBlock after edit: %v", err)
	}
	if len(iface.Outputs) != 4 {
		t.Fatalf("parent input added but interface outputs = %d", len(iface.Outputs))
	}
}

func TestSetInterfacePortsWritesThroughToParent(t *testing.T) {
	sub := &BlockInstance{
		ID:      "s1",
		Type:    TypeSubsystem,
		Inputs:  []Port{{Name: "u0"}},
		Outputs: []Port{{Name: "y0"}},
		Graph:   &Graph{},
	}

	// Interface side grows to 2 inputs / 3 outputs; the parent must show the
	// opposite counts.
	err := SetInterfacePorts(sub,
		[]Port{{Name: "i0"}, {Name: "i1"}},
		[]Port{{Name: "o0"}, {Name: "o1"}, {Name: "o2"}})
	if err != nil {
		t.Fatalf("SetInterfacePorts: %v", err)
	}
	if len(sub.Outputs) != 2 || len(sub.Inputs) != 3 {
		t.Fatalf("expected parent 2 outputs / 3 inputs, got %d/%d",
			len(sub.Outputs), len(sub.Inputs))
	}
}

func TestInterfaceBlockRejectsNonSubsystem(t *testing.T) {
	b := &BlockInstance{ID: "n1", Type: "adder"}
	if _, err := InterfaceBlock(b); !errors.Is(err, ErrNotSubsystem) {
		t.Fatalf("expected ErrNotSubsystem, got %v", err)
	}
}

func TestConnectionToSubsystemInterface(t *testing.T) {
	inner := &Graph{
		Blocks: []*BlockInstance{
			{ID: "inner1", Type: "amplifier", Inputs: []Port{{Name: "in"}}, Outputs: []Port{{Name: "out"}}},
		},
	}
	sub := &BlockInstance{
		ID: "s1", Type: TypeSubsystem,
		Inputs: []Port{{Name: "u"}}, Outputs: []Port{{Name: "y"}},
		Graph: inner,
	}

	// Without the enclosing subsystem in scope the interface ID is dangling.
	err := inner.AddConnection(&Connection{ID: "ic0", Source: InterfaceID("s1"), Target: "inner1"})
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}

	// Interface output 0 feeds inner1 input 0; inner1 output 0 feeds the
	// interface input 0 (which surfaces as the subsystem's output).
	if err := inner.AddConnectionIn(sub, &Connection{ID: "ic1", Source: InterfaceID("s1"), Target: "inner1"}); err != nil {
		t.Fatalf("interface source did not resolve: %v", err)
	}
	if err := inner.AddConnectionIn(sub, &Connection{ID: "ic2", Source: "inner1", Target: InterfaceID("s1")}); err != nil {
		t.Fatalf("interface target did not resolve: %v", err)
	}

	g := &Graph{Blocks: []*BlockInstance{sub}}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateDetectsDanglingEndpoint(t *testing.T) {
	g := twoBlockGraph()
	g.Connections = append(g.Connections, &Connection{ID: "c9", Source: "ghost", Target: "n2", TargetPort: 0})
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for dangling source")
	}
}

func TestResolveSettingsSubstitutesDefaults(t *testing.T) {
	s := SimulationSettings{Duration: "25", Solver: ""}
	r := s.Resolve()
	if r.Duration != "25" {
		t.Fatalf("explicit duration overwritten: %q", r.Duration)
	}
	if r.Solver != "SSPRK22" || r.Dt != "0.01" {
		t.Fatalf("defaults not substituted: solver=%q dt=%q", r.Solver, r.Dt)
	}
	if r.DtMax != "" {
		t.Fatalf("DtMax should stay empty when unset, got %q", r.DtMax)
	}
}

func TestResultClone(t *testing.T) {
	r := NewResult()
	r.ScopeData["n1"] = &ScopeTrace{
		Time:    []float64{0, 1},
		Signals: [][]float64{{1, 2}},
		Labels:  []string{"x"},
	}
	r.NodeNames["n1"] = "Scope"

	c := r.Clone()
	c.ScopeData["n1"].Time[0] = 99

	if r.ScopeData["n1"].Time[0] != 0 {
		t.Fatal("clone aliases the original time vector")
	}
	if c.NodeNames["n1"] != "Scope" {
		t.Fatal("node names not copied")
	}
}
