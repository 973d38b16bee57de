package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/registry"
)

// editorDoc is the editor's save format. Position, ports and params use the
// same field layout as the model types, only the collection keys differ.
type editorDoc struct {
	Nodes       []*core.BlockInstance    `json:"nodes"`
	Edges       []*core.Connection       `json:"edges"`
	Events      []*core.EventInstance    `json:"events"`
	Annotations []*core.Annotation       `json:"annotations"`
	Settings    *core.SimulationSettings `json:"settings"`
}

// nativeDoc is the model's own marshaled form, either wrapped in a graph
// key or with the graph collections inlined at the top level.
type nativeDoc struct {
	Graph       *core.Graph              `json:"graph"`
	Blocks      []*core.BlockInstance    `json:"blocks"`
	Connections []*core.Connection       `json:"connections"`
	Events      []*core.EventInstance    `json:"events"`
	Annotations []*core.Annotation       `json:"annotations"`
	Settings    *core.SimulationSettings `json:"settings"`
}

// LoadGraph reads a graph document, auto-detects its format, validates it
// against the global type registry, and returns the graph with its
// simulation settings. Settings absent from the document come back
// zero-valued; callers resolve defaults when they need concrete values.
func LoadGraph(path string) (*core.Graph, core.SimulationSettings, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, core.SimulationSettings{}, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadGraphBytes(data, path)
}

// LoadGraphBytes is LoadGraph over in-memory content. The path is used only
// for format detection and error messages.
func LoadGraphBytes(data []byte, path string) (*core.Graph, core.SimulationSettings, error) {
	kind, err := DetectDoc(data, path)
	if err != nil {
		return nil, core.SimulationSettings{}, err
	}

	jsonData := data
	if isYAML(path) {
		if jsonData, err = yamlToJSON(data); err != nil {
			return nil, core.SimulationSettings{}, err
		}
	}

	var (
		g        *core.Graph
		settings core.SimulationSettings
	)
	switch kind {
	case DocKindEditor:
		var doc editorDoc
		if err := json.Unmarshal(jsonData, &doc); err != nil {
			return nil, settings, fmt.Errorf("parsing graph document: %w", err)
		}
		g = &core.Graph{
			Blocks:      doc.Nodes,
			Connections: doc.Edges,
			Events:      doc.Events,
			Annotations: doc.Annotations,
		}
		if doc.Settings != nil {
			settings = *doc.Settings
		}
	case DocKindNative:
		var doc nativeDoc
		if err := json.Unmarshal(jsonData, &doc); err != nil {
			return nil, settings, fmt.Errorf("parsing graph document: %w", err)
		}
		if doc.Graph != nil {
			g = doc.Graph
		} else {
			g = &core.Graph{
				Blocks:      doc.Blocks,
				Connections: doc.Connections,
				Events:      doc.Events,
				Annotations: doc.Annotations,
			}
		}
		if doc.Settings != nil {
			settings = *doc.Settings
		}
	default:
		return nil, settings, fmt.Errorf("unknown document kind %q", kind)
	}

	if err := g.Validate(); err != nil {
		return nil, settings, fmt.Errorf("invalid graph: %w", err)
	}
	if err := checkTypes(g, registry.Global()); err != nil {
		return nil, settings, err
	}
	return g, settings, nil
}

// checkTypes verifies every block and event type, including those nested in
// subsystems, against the registry. Subsystem and interface blocks have
// structural meaning and need no registry entry.
func checkTypes(g *core.Graph, reg *registry.Registry) error {
	unknown := map[string]bool{}
	collectUnknownTypes(g, reg, unknown)
	if len(unknown) == 0 {
		return nil
	}
	names := make([]string, 0, len(unknown))
	for name := range unknown {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown block or event types: %v", names)
}

func collectUnknownTypes(g *core.Graph, reg *registry.Registry, unknown map[string]bool) {
	for _, b := range g.Blocks {
		switch {
		case b.IsSubsystem():
			if b.Graph != nil {
				collectUnknownTypes(b.Graph, reg, unknown)
			}
		case b.Type == core.TypeInterface:
		case !reg.HasBlock(b.Type):
			unknown[b.Type] = true
		}
	}
	for _, e := range g.Events {
		if _, ok := reg.Event(e.Type); !ok {
			unknown[e.Type] = true
		}
	}
}
