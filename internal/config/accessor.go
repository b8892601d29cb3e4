package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// toMap renders cfg through its json tags so paths match the file keys.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "server.port").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a leaf value by dot-notation path. String values are
// converted to the leaf's type; unknown paths are rejected.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	if err := setLeaf(m, path, value); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	next := *cfg
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	*cfg = next
	return nil
}

// setLeaf writes value at path in a decoded config document, creating
// sections the document omits.
func setLeaf(doc map[string]any, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	shape, ok := leafShape()[path]
	if !ok {
		return fmt.Errorf("unknown config key: %s", path)
	}

	parts := strings.Split(path, ".")
	parent := doc
	for _, key := range parts[:len(parts)-1] {
		switch child := parent[key].(type) {
		case map[string]any:
			parent = child
		case nil:
			next := map[string]any{}
			parent[key] = next
			parent = next
		default:
			return fmt.Errorf("cannot traverse into %s", key)
		}
	}

	last := parts[len(parts)-1]
	switch shape.(type) {
	case string:
		parent[last] = fmt.Sprint(value)
	case []any:
		parent[last] = parseList(value)
	default:
		parent[last] = parseValue(value)
	}
	return nil
}

// leafShape lists every leaf path, including omitempty fields, with a
// sample value of the leaf's JSON kind.
func leafShape() map[string]any {
	full := Defaults()
	full.Server.AllowedOrigins = []string{""}
	full.Auth.Issuer = "-"
	full.Log.File = "-"
	return ListPaths(full)
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// parseList accepts a comma separated string for list-valued keys.
func parseList(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	items := lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	})
	return lo.Compact(items)
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Server.AllowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	if c.Auth.JWTSecret != "" && !envVarPattern.MatchString(c.Auth.JWTSecret) {
		c.Auth.JWTSecret = maskString(c.Auth.JWTSecret)
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all config leaf paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

// SortedPaths returns the keys of ListPaths in lexical order.
func SortedPaths(cfg *Config) []string {
	keys := lo.Keys(ListPaths(cfg))
	sort.Strings(keys)
	return keys
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenMap(path, child, result)
			continue
		}
		result[path] = v
	}
}
