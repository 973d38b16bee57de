package codegen

import (
	"fmt"
	"strings"

	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/registry"
)

// exportCategories fixes the section order of the formatted export.
// Unlisted categories land in a trailing section.
var exportCategories = []string{"sources", "operations", "dynamic", "recording"}

// Export renders a standalone, commented version of the same script
// Generate produces: section banners grouped by block category, one
// keyword argument per line, and a plotting epilogue so the download runs
// on its own. Variable names match the compact form because blocks are
// claimed in the same order.
func Export(g *core.Graph, settings core.SimulationSettings, opts Options) (string, error) {
	if g == nil {
		return "", fmt.Errorf("codegen: nil graph")
	}
	opts.IncludeRun = true
	opts.IncludeIDMaps = false
	opts.GroupedConnections = true
	gen := newGenerator(opts)
	settings = settings.Resolve()

	gen.line("# Block diagram simulation exported from FlowScope.")
	gen.line("# Requires pathsim, numpy and matplotlib.")
	gen.line("")
	gen.emitImports(g)
	gen.line("import matplotlib.pyplot as plt")

	if ctx := strings.TrimSpace(gen.opts.CodeContext); ctx != "" {
		gen.line("")
		gen.line(banner("Global definitions"))
		gen.line("")
		gen.line(ctx)
	}

	alloc := NewAllocator()

	var rootVars []string
	subsystems := false
	for _, b := range g.Blocks {
		if b.IsSubsystem() {
			subsystems = true
		}
	}
	if subsystems {
		gen.line("")
		gen.line(banner("Subsystems"))
		for _, b := range g.Blocks {
			if !b.IsSubsystem() {
				continue
			}
			if v, ok := gen.emitSubsystem(b, alloc); ok {
				rootVars = append(rootVars, v)
			}
		}
	}

	// Claim every remaining root block in graph order first so names are
	// independent of the category grouping below.
	type claimed struct {
		block *core.BlockInstance
		def   registry.BlockTypeDef
		v     string
	}
	var claims []claimed
	for _, b := range g.Blocks {
		if b.IsSubsystem() || b.Type == core.TypeInterface {
			continue
		}
		def, ok := gen.reg.Block(b.Type)
		if !ok {
			gen.log.Warn("skipping block with unknown type", "id", b.ID, "type", b.Type)
			continue
		}
		v := alloc.Claim(b.Name, "block")
		gen.register(b, v)
		claims = append(claims, claimed{block: b, def: def, v: v})
		rootVars = append(rootVars, v)
	}

	sections := append([]string{}, exportCategories...)
	seen := make(map[string]bool, len(sections))
	for _, c := range sections {
		seen[c] = true
	}
	for _, c := range claims {
		if !seen[c.def.Category] {
			seen[c.def.Category] = true
			sections = append(sections, c.def.Category)
		}
	}
	titles := map[string]string{
		"sources":    "Sources",
		"operations": "Operations",
		"dynamic":    "Dynamic blocks",
		"recording":  "Recording",
	}
	for _, cat := range sections {
		var inCat []claimed
		for _, c := range claims {
			if c.def.Category == cat {
				inCat = append(inCat, c)
			}
		}
		if len(inCat) == 0 {
			continue
		}
		title := titles[cat]
		if title == "" {
			title = cat
		}
		gen.line("")
		gen.line(banner(title))
		for _, c := range inCat {
			gen.line("")
			gen.line(fmt.Sprintf("# %s", c.block.Name))
			gen.line(fmt.Sprintf("%s = %s(%s)", c.v, c.def.ClassName,
				renderParamsMultiline(c.def.Params, c.block.Params)))
		}
	}

	gen.line("")
	gen.line(banner("Connections"))
	gen.line("")
	gen.emitConnectionList("connections", g.Connections, alloc)

	gen.line("")
	gen.line(banner("Events"))
	gen.line("")
	eventVars := gen.emitEventBindings(g.Events, alloc)
	gen.line("events = " + pythonList(eventVars))

	gen.line("")
	gen.line(banner("Simulation"))
	gen.emitSimulation(rootVars, settings)

	gen.line("")
	gen.line(`if __name__ == "__main__":`)
	gen.line(fmt.Sprintf("    %s.run(%s)", SimulationVar, settings.Duration))
	gen.emitPlottingEpilogue()

	return strings.Join(gen.lines, "\n") + "\n", nil
}

// emitPlottingEpilogue writes the scope-plotting tail of the exported
// script, indented under the __main__ guard.
func (gen *generator) emitPlottingEpilogue() {
	gen.line(`
    scopes = [b for b in blocks if isinstance(b, pathsim.blocks.Scope)]
    if scopes:
        fig, axs = plt.subplots(nrows=len(scopes), sharex=True,
                                figsize=(10, 5 * len(scopes)))
        for i, scope in enumerate(scopes):
            plt.sca(axs[i] if len(scopes) > 1 else axs)
            time, data = scope.read()
            for p, d in enumerate(data):
                label = scope.labels[p] if p < len(scope.labels) else f"port {p}"
                plt.plot(time, d, label=label)
            plt.legend()
        plt.xlabel("Time")
        plt.show()`)
}
