package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// settableKeys lists the dotted keys accepted by SetValue.
var settableKeys = map[string]bool{
	"api.addr":                           true,
	"api.read_timeout":                   true,
	"storage.driver":                     true,
	"storage.path":                       true,
	"coordinator.queue_capacity":         true,
	"coordinator.slow_handler_threshold": true,
	"runtime.address_prefix":             true,
	"cache.count_ttl":                    true,
	"log_level":                          true,
	"tracing.enabled":                    true,
	"tracing.exporter":                   true,
	"tracing.file_path":                  true,
	"tracing.otlp_endpoint":              true,
	"tracing.sample_rate":                true,
	"tracing.service_name":               true,
}

// SettableKeys returns the keys accepted by SetValue, sorted.
func SettableKeys() []string {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetValue sets the scalar at a dotted key (e.g. "api.addr") in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
// Missing sections are created.
func SetValue(configPath, key, value string) error {
	if !settableKeys[key] {
		return fmt.Errorf("unknown config key %q", key)
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path is the user-selected config file
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		// Empty or new file - create document structure
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: top level must be a mapping")
	}

	node := doc.Content[0]
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		node, err = childMapping(node, part)
		if err != nil {
			return err
		}
	}
	setScalar(node, parts[len(parts)-1], value)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// childMapping returns the mapping stored under name in parent, creating it if absent.
func childMapping(parent *yaml.Node, name string) (*yaml.Node, error) {
	for i := 0; i < len(parent.Content)-1; i += 2 {
		if parent.Content[i].Value != name {
			continue
		}
		child := parent.Content[i+1]
		if child.Kind == yaml.ScalarNode && child.Tag == "!!null" {
			*child = yaml.Node{Kind: yaml.MappingNode}
		}
		if child.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("config section %q is not a mapping", name)
		}
		return child, nil
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	parent.Content = append(parent.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: name},
		child,
	)
	return child, nil
}

func setScalar(parent *yaml.Node, name, value string) {
	for i := 0; i < len(parent.Content)-1; i += 2 {
		if parent.Content[i].Value == name {
			v := parent.Content[i+1]
			comment := v.LineComment
			*v = yaml.Node{Kind: yaml.ScalarNode, Value: value, LineComment: comment}
			return
		}
	}
	parent.Content = append(parent.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: name},
		&yaml.Node{Kind: yaml.ScalarNode, Value: value},
	)
}

// writeAtomic writes to a temp file in the same directory, then renames.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".countermgr.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
