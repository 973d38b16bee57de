// Package mutation records graph edits made while a simulation session is
// live and turns them into script patches applied between generator steps.
// Structural edits keep their queuing order; parameter and setting edits
// coalesce so only the latest value per target survives until flush.
package mutation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flowscope/flowscope/codegen"
	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/registry"
)

// TypeLookup resolves block types for live additions. Satisfied by
// *registry.Registry.
type TypeLookup interface {
	Block(typeName string) (registry.BlockTypeDef, bool)
}

type paramKey struct {
	blockID string
	field   string
}

// Queue accumulates pending live edits. The id maps seeded at lowering
// (and extended by add edits) are the single source of truth for which
// script identifier an editor entity currently maps to.
type Queue struct {
	reg TypeLookup
	log *slog.Logger

	mu            sync.Mutex
	alloc         *codegen.Allocator
	blockVars     map[string]string
	connVars      map[string]string
	structural    []string
	params        map[paramKey]string
	paramOrder    []paramKey
	settings      map[string]string
	settingsOrder []string
}

// NewQueue creates an empty mutation queue. Registry nil means
// registry.Global(); logger nil means slog.Default().
func NewQueue(reg TypeLookup, logger *slog.Logger) *Queue {
	if reg == nil {
		reg = registry.Global()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{reg: reg, log: logger}
	q.resetLocked(nil, nil)
	return q
}

// SetMaps seeds the id maps from a fresh lowering pass and discards any
// pending edits, which referenced the previous session's identifiers.
func (q *Queue) SetMaps(blockVars, connVars map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked(blockVars, connVars)
}

func (q *Queue) resetLocked(blockVars, connVars map[string]string) {
	q.blockVars = make(map[string]string, len(blockVars))
	q.connVars = make(map[string]string, len(connVars))
	q.alloc = codegen.NewAllocator()
	for id, v := range blockVars {
		q.blockVars[id] = v
		q.alloc.Reserve(v)
	}
	for id, v := range connVars {
		q.connVars[id] = v
		q.alloc.Reserve(v)
	}
	q.structural = nil
	q.params = make(map[paramKey]string)
	q.paramOrder = nil
	q.settings = make(map[string]string)
	q.settingsOrder = nil
}

// BlockVar reports the script identifier for a block ID.
func (q *Queue) BlockVar(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.blockVars[id]
	return v, ok
}

// ConnVar reports the script identifier for a connection ID.
func (q *Queue) ConnVar(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.connVars[id]
	return v, ok
}

// QueueAddBlock records a block addition. Subsystem blocks are skipped
// silently: creating a nested graph is not supported as an incremental
// live edit. Unknown types are skipped with a warning.
func (q *Queue) QueueAddBlock(b *core.BlockInstance) {
	if b.IsSubsystem() || b.Type == core.TypeSubsystem {
		q.log.Debug("subsystem additions are not applied live", "id", b.ID)
		return
	}
	def, ok := q.reg.Block(b.Type)
	if !ok {
		q.log.Warn("skipping added block with unknown type", "id", b.ID, "type", b.Type)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.alloc.Dynamic()
	q.blockVars[b.ID] = v

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = %s(%s)\n", v, def.ClassName, codegen.RenderParams(def.Params, b.Params))
	fmt.Fprintf(&sb, "%s.add_block(%s)\n", codegen.SimulationVar, v)
	fmt.Fprintf(&sb, "_block_map[%q] = %s\n", b.ID, v)
	fmt.Fprintf(&sb, "_node_names[%q] = %q", b.ID, b.Name)
	switch b.Type {
	case "scope":
		fmt.Fprintf(&sb, "\n_scope_blocks[%q] = %s", b.ID, v)
	case "spectrum":
		fmt.Fprintf(&sb, "\n_spectrum_blocks[%q] = %s", b.ID, v)
	}
	q.structural = append(q.structural, sb.String())
}

// QueueRemoveBlock records a block removal and purges any still-queued
// parameter edits addressed to it, which would be no-ops or errors once
// the block is gone.
func (q *Queue) QueueRemoveBlock(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.paramOrder[:0]
	for _, k := range q.paramOrder {
		if k.blockID == id {
			delete(q.params, k)
			continue
		}
		kept = append(kept, k)
	}
	q.paramOrder = kept

	v, ok := q.blockVars[id]
	if !ok {
		q.log.Warn("skipping removal of unmapped block", "id", id)
		return
	}
	delete(q.blockVars, id)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.remove_block(%s)\n", codegen.SimulationVar, v)
	fmt.Fprintf(&sb, "_block_map.pop(%q, None)\n", id)
	fmt.Fprintf(&sb, "_node_names.pop(%q, None)\n", id)
	fmt.Fprintf(&sb, "_scope_blocks.pop(%q, None)\n", id)
	fmt.Fprintf(&sb, "_spectrum_blocks.pop(%q, None)", id)
	q.structural = append(q.structural, sb.String())
}

// QueueAddConnection records a connection addition. Both endpoints must
// already be mapped (lowered or added earlier in the queue, since the
// queue keeps structural order).
func (q *Queue) QueueAddConnection(c *core.Connection) {
	q.mu.Lock()
	defer q.mu.Unlock()

	srcVar, ok1 := q.blockVars[c.Source]
	tgtVar, ok2 := q.blockVars[c.Target]
	if !ok1 || !ok2 {
		q.log.Warn("skipping connection with unmapped endpoint", "id", c.ID)
		return
	}
	v := q.alloc.Dynamic()
	q.connVars[c.ID] = v

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = Connection(%s[%d], %s[%d])\n", v, srcVar, c.SourcePort, tgtVar, c.TargetPort)
	fmt.Fprintf(&sb, "%s.add_connection(%s)", codegen.SimulationVar, v)
	q.structural = append(q.structural, sb.String())
}

// QueueRemoveConnection records a connection removal by reference.
func (q *Queue) QueueRemoveConnection(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.connVars[id]
	if !ok {
		q.log.Warn("skipping removal of unmapped connection", "id", id)
		return
	}
	delete(q.connVars, id)
	q.structural = append(q.structural,
		fmt.Sprintf("%s.remove_connection(%s)", codegen.SimulationVar, v))
}

// QueueUpdateParam records a parameter edit. Only the latest value per
// (block, field) pair survives until flush.
func (q *Queue) QueueUpdateParam(blockID, field, value string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := paramKey{blockID: blockID, field: field}
	if _, exists := q.params[k]; !exists {
		q.paramOrder = append(q.paramOrder, k)
	}
	q.params[k] = value
}

// QueueUpdateSetting records a simulation setting edit. Only the latest
// value per setting name survives until flush.
func (q *Queue) QueueUpdateSetting(name, value string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.settings[name]; !exists {
		q.settingsOrder = append(q.settingsOrder, name)
	}
	q.settings[name] = value
}

// Pending reports the number of queued edits.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.structural) + len(q.paramOrder) + len(q.settingsOrder)
}

// HasPending reports whether any edit is waiting for flush.
func (q *Queue) HasPending() bool {
	return q.Pending() > 0
}

// Flush drains the queue into one combined patch script: settings updates
// first, then structural edits in queuing order, then parameter updates.
// Every fragment is wrapped in its own try/except so one bad edit cannot
// abort the rest of the batch; failures are reported on stderr instead of
// raised. An empty queue flushes to an empty string.
func (q *Queue) Flush() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var fragments []string
	for _, name := range q.settingsOrder {
		fragments = append(fragments,
			fmt.Sprintf("%s.%s = %s", codegen.SimulationVar, name, q.settings[name]))
	}
	fragments = append(fragments, q.structural...)
	for _, k := range q.paramOrder {
		v, ok := q.blockVars[k.blockID]
		if !ok {
			continue
		}
		fragments = append(fragments,
			fmt.Sprintf("%s.%s = %s", v, k.field, q.params[k]))
	}

	q.structural = nil
	q.params = make(map[paramKey]string)
	q.paramOrder = nil
	q.settings = make(map[string]string)
	q.settingsOrder = nil

	if len(fragments) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("import sys as _sys\n")
	for _, frag := range fragments {
		sb.WriteString("try:\n")
		for _, line := range strings.Split(frag, "\n") {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("except Exception as _e:\n")
		sb.WriteString("    print(f\"mutation failed: {_e}\", file=_sys.stderr)\n")
	}
	return sb.String()
}
