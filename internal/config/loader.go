package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COSYNC_"

// loadTOML reads path into a map. A missing file yields nil, nil.
func loadTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return parseTOML(path, data)
}

func parseTOML(source string, data []byte) (map[string]any, error) {
	var out map[string]any
	if err := toml.Unmarshal(data, &out); err != nil {
		pe := &ParseError{File: source, Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		return nil, pe
	}
	return out, nil
}

// envSections lists the sections an environment variable may address. The
// first underscore after the prefix separates section from key, so
// COSYNC_SYNC_UPLOAD_DELAY sets sync.upload_delay.
var envSections = map[string]bool{
	"server":    true,
	"auth":      true,
	"sync":      true,
	"transport": true,
	"reactor":   true,
	"logging":   true,
	"metrics":   true,
	"paths":     true,
}

// loadEnv collects prefixed environment variables into a map.
func loadEnv(prefix string, environ []string) map[string]any {
	out := make(map[string]any)
	for _, env := range environ {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, prefix)), "_")
		if !ok || key == "" || !envSections[section] {
			continue
		}
		setByPath(out, section+"."+key, parseValue(value))
	}
	return out
}

// envName is the variable loadEnv maps to the dotted key.
func envName(prefix, key string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// leafKeys appends the dotted key of every non-table value in m.
func leafKeys(m map[string]any, prefix string, out []string) []string {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			out = leafKeys(sub, key, out)
			continue
		}
		out = append(out, key)
	}
	return out
}

// parseValue attempts to parse the string value into an appropriate type.
// Durations stay strings; the Duration type parses them.
func parseValue(s string) any {
	if s == "" {
		return s
	}

	lower := strings.ToLower(s)
	if lower == "true" || lower == "yes" || lower == "on" {
		return true
	}
	if lower == "false" || lower == "no" || lower == "off" {
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if next, ok := current[part].(map[string]any); ok {
			current = next
		} else {
			next := make(map[string]any)
			current[part] = next
			current = next
		}
	}
	current[parts[len(parts)-1]] = value
}

// deepMerge recursively merges src into dst. Values in src override values
// in dst; maps are merged, everything else is replaced.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = srcVal
			continue
		}
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dstVal.(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = deepMerge(dstMap, srcMap)
		} else {
			dst[key] = srcVal
		}
	}
	return dst
}
