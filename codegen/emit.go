package codegen

import (
	"fmt"
	"strings"
)

// RenderParams renders a keyword-argument list for a block or event
// constructor. Only parameters the type declares are emitted, in the
// type's declared order, and empty values are omitted entirely. PathSim
// constructors fall back to their own defaults for missing kwargs.
// Values are raw Python expressions inserted verbatim. The mutation layer
// uses the same rendering when it constructs blocks added to a live
// session.
func RenderParams(declared []string, params map[string]string) string {
	var parts []string
	for _, name := range declared {
		value := strings.TrimSpace(params[name])
		if value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", name, value))
	}
	return strings.Join(parts, ", ")
}

// renderParamsMultiline renders the same keyword arguments one per line,
// indented, for the formatted export variant.
func renderParamsMultiline(declared []string, params map[string]string) string {
	var parts []string
	for _, name := range declared {
		value := strings.TrimSpace(params[name])
		if value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("    %s=%s,", name, value))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n" + strings.Join(parts, "\n") + "\n"
}

// connectionExpr renders a Connection constructor call. PathSim's
// Connection takes one source port reference and one or more targets, so
// fan-out from a single source port can be grouped into one statement.
func connectionExpr(sourceVar string, sourcePort int, targets []portRef) string {
	parts := make([]string, 0, len(targets)+1)
	parts = append(parts, fmt.Sprintf("%s[%d]", sourceVar, sourcePort))
	for _, t := range targets {
		parts = append(parts, fmt.Sprintf("%s[%d]", t.Var, t.Port))
	}
	return fmt.Sprintf("Connection(%s)", strings.Join(parts, ", "))
}

// portRef is one endpoint of an emitted connection.
type portRef struct {
	Var  string
	Port int
}

// pythonList renders a Python list literal from variable names.
func pythonList(names []string) string {
	return "[" + strings.Join(names, ", ") + "]"
}

// pythonStr renders a Python single-quoted string literal.
func pythonStr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// dictEntry is one key/value pair of an emitted dict literal. Values are
// emitted verbatim (identifiers or literals), keys as string literals.
type dictEntry struct {
	Key   string
	Value string
}

// pythonDict renders a Python dict literal preserving entry order.
func pythonDict(entries []dictEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s: %s", pythonStr(e.Key), e.Value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// banner renders a comment banner for the formatted export.
func banner(title string) string {
	line := strings.Repeat("-", 70)
	return fmt.Sprintf("# %s\n# %s\n# %s", line, title, line)
}
