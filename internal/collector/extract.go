package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// pathSegment is one compiled step of a field path. A segment of the form
// name[index] indexes into an array field named name before descending.
type pathSegment struct {
	field    string
	index    int
	hasIndex bool
}

var segmentPattern = regexp.MustCompile(`^([^\[\]]+)(?:\[(\d+)\])?$`)

// compiledPaths caches parsed field paths; the same mapping descriptors
// are resolved on every run of a collector.
var compiledPaths, _ = lru.NewARC(1024)

func compilePath(path string) ([]pathSegment, error) {
	if cached, ok := compiledPaths.Get(path); ok {
		return cached.([]pathSegment), nil
	}

	trimmed := strings.TrimPrefix(strings.TrimSpace(path), "$.")
	if trimmed == "" {
		return nil, fmt.Errorf("empty field path")
	}

	parts := strings.Split(trimmed, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		match := segmentPattern.FindStringSubmatch(part)
		if match == nil {
			return nil, fmt.Errorf("invalid field path segment %q", part)
		}
		segment := pathSegment{field: match[1]}
		if match[2] != "" {
			index, err := strconv.Atoi(match[2])
			if err != nil {
				return nil, fmt.Errorf("invalid array index in segment %q", part)
			}
			segment.index = index
			segment.hasIndex = true
		}
		segments = append(segments, segment)
	}

	compiledPaths.Add(path, segments)
	return segments, nil
}

// Extract resolves a dot-separated field path (optionally prefixed with
// "$.") against a parsed JSON document. Resolution short-circuits to
// not-found the moment any intermediate value is null or non-indexable.
func Extract(doc any, path string) (any, bool) {
	segments, err := compilePath(path)
	if err != nil {
		return nil, false
	}

	current := doc
	for _, segment := range segments {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment.field]
		if !ok || current == nil {
			return nil, false
		}
		if segment.hasIndex {
			array, ok := current.([]any)
			if !ok || segment.index >= len(array) {
				return nil, false
			}
			current = array[segment.index]
			if current == nil {
				return nil, false
			}
		}
	}
	return current, true
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate resolves {{field}} placeholders in a title template through
// the field-path extractor. Unresolvable placeholders fall back to the
// literal placeholder name.
func Interpolate(template string, doc any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := Extract(doc, path)
		if !ok {
			return path
		}
		return formatValue(value)
	})
}

// formatValue renders an extracted value for inclusion in a title.
// JSON numbers arrive as float64; integral ones are printed without the
// trailing ".0" noise.
func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
