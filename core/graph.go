package core

import (
	"errors"
	"fmt"
)

// Block type tags with structural meaning to the graph model. All other
// type tags are opaque here and resolved against the type registry.
const (
	TypeSubsystem = "subsystem"
	TypeInterface = "interface"
)

// Graph editing errors.
var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrPortOccupied       = errors.New("target port already connected")
	ErrPortOutOfRange     = errors.New("port index out of range")
	ErrNotSubsystem       = errors.New("block is not a subsystem")
)

// InterfaceID returns the ID of the synthetic interface block derived from
// the given subsystem block ID.
func InterfaceID(subsystemID string) string {
	return subsystemID + "/interface"
}

// InterfaceBlock derives the synthetic interface block for a subsystem.
//
// The interface sits inside the child graph and mirrors the subsystem's
// boundary with inverted directions: the parent's inputs become the
// interface's outputs (data flowing into the subsystem emerges inside it)
// and the parent's outputs become the interface's inputs. The ports are
// views over the parent's slices, never an independent copy, which is what
// keeps the two sides consistent under mutation.
func InterfaceBlock(sub *BlockInstance) (*BlockInstance, error) {
	if !sub.IsSubsystem() {
		return nil, fmt.Errorf("%w: %s (type %q)", ErrNotSubsystem, sub.ID, sub.Type)
	}
	return &BlockInstance{
		ID:      InterfaceID(sub.ID),
		Type:    TypeInterface,
		Name:    sub.Name + " interface",
		Inputs:  sub.Outputs,
		Outputs: sub.Inputs,
	}, nil
}

// SetInterfacePorts edits the interface side of a subsystem boundary and
// writes through to the parent's opposite port sets, so the invariant
// (parent inputs == interface outputs, parent outputs == interface inputs)
// holds by construction.
func SetInterfacePorts(sub *BlockInstance, inputs, outputs []Port) error {
	if !sub.IsSubsystem() {
		return fmt.Errorf("%w: %s (type %q)", ErrNotSubsystem, sub.ID, sub.Type)
	}
	sub.Outputs = inputs
	sub.Inputs = outputs
	return nil
}

// AddBlock appends a block to the graph. The ID must be unique within this
// graph level.
func (g *Graph) AddBlock(b *BlockInstance) error {
	if _, exists := g.BlockByID(b.ID); exists {
		return fmt.Errorf("%w: block %q", ErrDuplicateID, b.ID)
	}
	g.Blocks = append(g.Blocks, b)
	return nil
}

// RemoveBlock deletes a block and cascades to every connection incident on
// it. Removing an unknown block is an error.
func (g *Graph) RemoveBlock(id string) error {
	idx := -1
	for i, b := range g.Blocks {
		if b.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrBlockNotFound, id)
	}
	g.Blocks = append(g.Blocks[:idx], g.Blocks[idx+1:]...)

	kept := g.Connections[:0]
	for _, c := range g.Connections {
		if c.Source != id && c.Target != id {
			kept = append(kept, c)
		}
	}
	g.Connections = kept
	return nil
}

// AddConnection wires a source port to a target port at graph root.
//
// Fan-out from one source port to many targets is allowed; a target port
// accepts at most one inbound connection, so a second connection to an
// occupied target port is rejected with ErrPortOccupied.
func (g *Graph) AddConnection(c *Connection) error {
	return g.AddConnectionIn(nil, c)
}

// AddConnectionIn wires a connection inside the child graph of the given
// subsystem. The owner resolves endpoints naming the subsystem's derived
// interface block; pass nil for a root-level graph.
func (g *Graph) AddConnectionIn(owner *BlockInstance, c *Connection) error {
	if _, exists := g.ConnectionByID(c.ID); exists {
		return fmt.Errorf("%w: connection %q", ErrDuplicateID, c.ID)
	}

	src, ok := g.resolveEndpoint(owner, c.Source)
	if !ok {
		return fmt.Errorf("%w: source %q", ErrBlockNotFound, c.Source)
	}
	tgt, ok := g.resolveEndpoint(owner, c.Target)
	if !ok {
		return fmt.Errorf("%w: target %q", ErrBlockNotFound, c.Target)
	}

	if c.SourcePort < 0 || c.SourcePort >= len(src.Outputs) {
		return fmt.Errorf("%w: output %d on %q", ErrPortOutOfRange, c.SourcePort, c.Source)
	}
	if c.TargetPort < 0 || c.TargetPort >= len(tgt.Inputs) {
		return fmt.Errorf("%w: input %d on %q", ErrPortOutOfRange, c.TargetPort, c.Target)
	}

	for _, existing := range g.Connections {
		if existing.Target == c.Target && existing.TargetPort == c.TargetPort {
			return fmt.Errorf("%w: %q port %d", ErrPortOccupied, c.Target, c.TargetPort)
		}
	}

	g.Connections = append(g.Connections, c)
	return nil
}

// resolveEndpoint finds a connection endpoint: a regular block, or the
// enclosing subsystem's derived interface block.
func (g *Graph) resolveEndpoint(owner *BlockInstance, id string) (*BlockInstance, bool) {
	if b, ok := g.BlockByID(id); ok {
		return b, true
	}
	if owner != nil && id == InterfaceID(owner.ID) {
		iface, err := InterfaceBlock(owner)
		if err != nil {
			return nil, false
		}
		return iface, true
	}
	return nil, false
}

// RemoveConnection deletes a connection by ID.
func (g *Graph) RemoveConnection(id string) error {
	for i, c := range g.Connections {
		if c.ID == id {
			g.Connections = append(g.Connections[:i], g.Connections[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrConnectionNotFound, id)
}

// ConnectionsFrom returns all connections whose source is the given block,
// in declaration order.
func (g *Graph) ConnectionsFrom(id string) []*Connection {
	var out []*Connection
	for _, c := range g.Connections {
		if c.Source == id {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks referential integrity of the graph: endpoints exist,
// port indexes are in range, and no target port has two inbound edges.
// Nested subsystem graphs are validated recursively, with the subsystem's
// derived interface block in scope as a connection endpoint.
func (g *Graph) Validate() error {
	return g.validateIn(nil)
}

func (g *Graph) validateIn(owner *BlockInstance) error {
	seen := make(map[string]bool, len(g.Blocks))
	for _, b := range g.Blocks {
		if seen[b.ID] {
			return fmt.Errorf("%w: block %q", ErrDuplicateID, b.ID)
		}
		seen[b.ID] = true
		if b.IsSubsystem() && b.Graph != nil {
			if err := b.Graph.validateIn(b); err != nil {
				return fmt.Errorf("subsystem %q: %w", b.ID, err)
			}
		}
	}

	occupied := make(map[string]bool, len(g.Connections))
	for _, c := range g.Connections {
		src, ok := g.resolveEndpoint(owner, c.Source)
		if !ok {
			return fmt.Errorf("connection %q: %w: source %q", c.ID, ErrBlockNotFound, c.Source)
		}
		tgt, ok := g.resolveEndpoint(owner, c.Target)
		if !ok {
			return fmt.Errorf("connection %q: %w: target %q", c.ID, ErrBlockNotFound, c.Target)
		}
		if c.SourcePort < 0 || c.SourcePort >= len(src.Outputs) {
			return fmt.Errorf("connection %q: %w: output %d on %q", c.ID, ErrPortOutOfRange, c.SourcePort, c.Source)
		}
		if c.TargetPort < 0 || c.TargetPort >= len(tgt.Inputs) {
			return fmt.Errorf("connection %q: %w: input %d on %q", c.ID, ErrPortOutOfRange, c.TargetPort, c.Target)
		}
		key := fmt.Sprintf("%s#%d", c.Target, c.TargetPort)
		if occupied[key] {
			return fmt.Errorf("connection %q: %w: %q port %d", c.ID, ErrPortOccupied, c.Target, c.TargetPort)
		}
		occupied[key] = true
	}
	return nil
}
