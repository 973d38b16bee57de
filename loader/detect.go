// Package loader reads FlowScope graph documents from disk. It accepts the
// editor's save format (nodes/edges keys) and the native model format
// (blocks/connections keys), in JSON or YAML.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocKind identifies the shape of a graph document.
type DocKind string

const (
	// DocKindEditor is the editor's save format: top-level nodes, edges,
	// optional events and settings.
	DocKindEditor DocKind = "editor"
	// DocKindNative is the model's own marshaled form: top-level blocks
	// and connections, or a graph key wrapping them.
	DocKindNative DocKind = "native"
)

// DetectDoc auto-detects the document kind from content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. If the document has "nodes" and "edges" -> editor format
//  3. If it has "blocks" or a "graph" key -> native format
//  4. Else error
func DetectDoc(data []byte, filePath string) (DocKind, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if hasKey(raw, "nodes") && hasKey(raw, "edges") {
		return DocKindEditor, nil
	}
	if hasKey(raw, "blocks") || hasKey(raw, "graph") {
		return DocKindNative, nil
	}
	return "", fmt.Errorf("unable to detect document format: no nodes/edges or blocks/graph keys")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML bytes to JSON bytes through map[string]any, so
// one set of struct tags serves both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
