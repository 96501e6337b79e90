package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ParseImport decodes connector definitions from one of three accepted
// shapes:
//
//   - a Claude-Desktop style document: {"mcpServers": {"<id>": {command, args?, env?}}}
//   - a single connector object carrying its own id
//   - an array of connector objects
//
// Connector objects may either use the native transport section or the
// flat {id, command, args, env, cwd} form, which is taken as stdio.
// Duplicate ids within one import are rejected.
func ParseImport(data []byte) ([]*ConnectorConfig, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			return nil, fmt.Errorf("import: failed to parse as YAML or JSON: %w", err)
		}
	}

	var connectors []*ConnectorConfig

	switch v := doc.(type) {
	case map[string]any:
		if servers, ok := v["mcpServers"]; ok {
			parsed, err := parseServerMap(servers)
			if err != nil {
				return nil, err
			}
			connectors = parsed
			break
		}
		conn, err := parseImportEntry(v)
		if err != nil {
			return nil, err
		}
		connectors = []*ConnectorConfig{conn}
	case []any:
		for i, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("import: entry %d is not an object", i)
			}
			conn, err := parseImportEntry(entry)
			if err != nil {
				return nil, fmt.Errorf("import: entry %d: %w", i, err)
			}
			connectors = append(connectors, conn)
		}
	default:
		return nil, fmt.Errorf("import: unrecognized document shape")
	}

	if len(connectors) == 0 {
		return nil, fmt.Errorf("import: no connectors found")
	}

	seen := make(map[string]bool, len(connectors))
	for _, conn := range connectors {
		if seen[conn.ID] {
			return nil, fmt.Errorf("import: duplicate id %q", conn.ID)
		}
		seen[conn.ID] = true
	}

	return connectors, nil
}

// mcpServers entries carry no id of their own; the map key is the id.
type importServer struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
}

// standalone entries may use either the flat stdio form or the native
// transport section.
type importEntry struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Enabled   *bool             `yaml:"enabled"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Cwd       string            `yaml:"cwd"`
	Transport *TransportConfig  `yaml:"transport"`
}

func parseServerMap(servers any) ([]*ConnectorConfig, error) {
	m, ok := servers.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("import: mcpServers is not an object")
	}

	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	connectors := make([]*ConnectorConfig, 0, len(ids))
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return nil, fmt.Errorf("import: server %q: %w", id, err)
		}

		var server importServer
		if err := decodeLoose(m[id], &server); err != nil {
			return nil, fmt.Errorf("import: server %q: %w", id, err)
		}
		if server.Command == "" {
			return nil, fmt.Errorf("import: server %q: command is required", id)
		}

		connectors = append(connectors, &ConnectorConfig{
			ID: id,
			Transport: TransportConfig{
				Type:    TransportStdio,
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
				Cwd:     server.Cwd,
			},
		})
	}

	return connectors, nil
}

func parseImportEntry(raw map[string]any) (*ConnectorConfig, error) {
	var entry importEntry
	if err := decodeLoose(raw, &entry); err != nil {
		return nil, err
	}
	if err := validateID(entry.ID); err != nil {
		return nil, err
	}

	conn := &ConnectorConfig{
		ID:      entry.ID,
		Name:    entry.Name,
		Enabled: entry.Enabled,
	}

	if entry.Transport != nil {
		conn.Transport = *entry.Transport
		if conn.Transport.Type == "" {
			conn.Transport.Type = TransportStdio
		}
	} else {
		if entry.Command == "" {
			return nil, fmt.Errorf("connector %q: command is required", entry.ID)
		}
		conn.Transport = TransportConfig{
			Type:    TransportStdio,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			Cwd:     entry.Cwd,
		}
	}

	if err := conn.Transport.Validate(); err != nil {
		return nil, fmt.Errorf("connector %q: %w", entry.ID, err)
	}

	return conn, nil
}

func decodeLoose(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}
