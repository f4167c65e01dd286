// Package doc manipulates the dynamic JSON-shaped documents used for task
// args, metadata and summaries. A Doc is the decoded JSON object model:
// nil, bool, float64, string, []any and nested map[string]any values.
package doc

import (
	"sort"
	"strings"

	"labtasker/internal/apierr"
)

// Doc is a dynamic document.
type Doc = map[string]any

// Sep separates path segments in flattened keys.
const Sep = "."

// reservedPrefix marks backend operator keys; user documents may not use it.
const reservedPrefix = "$"

// Flatten lowers a nested document to dotted leaf paths. Nested maps recurse;
// every other value is a leaf.
//
//	{"summary": {"nested": {"a": 1}}, "retries": 3}
//	→ {"summary.nested.a": 1, "retries": 3}
func Flatten(d Doc, parentKey string) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		key := k
		if parentKey != "" {
			key = parentKey + Sep + k
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			for fk, fv := range Flatten(m, key) {
				out[fk] = fv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// SetPath writes value at the dotted path, creating intermediate maps as
// needed. Non-map intermediates are overwritten.
func SetPath(d Doc, path string, value any) {
	parts := strings.Split(path, Sep)
	cur := d
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = Doc{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// GetPath resolves a dotted path. The second result reports whether every
// segment was present.
func GetPath(d Doc, path string) (any, bool) {
	parts := strings.Split(path, Sep)
	var cur any = d
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge applies update leaf-by-leaf onto dst: the update is flattened to
// dotted paths so nested keys overwrite individual leaves without replacing
// sibling keys.
func Merge(dst Doc, update Doc) {
	for path, v := range Flatten(update, "") {
		SetPath(dst, path, v)
	}
}

// Sanitize rejects documents containing reserved-operator keys at any depth.
func Sanitize(d Doc) error {
	for k, v := range d {
		if strings.HasPrefix(k, reservedPrefix) {
			return apierr.BadRequest("field name %q uses the reserved %q prefix", k, reservedPrefix)
		}
		if m, ok := v.(map[string]any); ok {
			if err := Sanitize(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// protectedFields may never be touched by user-supplied updates.
var protectedFields = map[string]bool{
	"_id":           true,
	"task_id":       true,
	"queue_id":      true,
	"worker_id":     false, // cleared by cascade deletes, settable via reset overrides
	"created_at":    true,
	"last_modified": true,
}

// SanitizeUpdate rejects updates that name protected fields or reserved keys.
// Paths are checked on their first segment, so "metadata.created_at" stays
// legal while "created_at" is not.
func SanitizeUpdate(update Doc) error {
	if err := Sanitize(update); err != nil {
		return err
	}
	for path := range Flatten(update, "") {
		head := strings.SplitN(path, Sep, 2)[0]
		if protectedFields[head] {
			return apierr.BadRequest("field %q is protected and cannot be updated", head)
		}
	}
	return nil
}

// Match reports whether args structurally satisfies the required-fields
// template: every leaf path of the template must resolve to a non-nil value
// in args. Template leaf values are ignored (nil means "any value here").
func Match(template Doc, args Doc) bool {
	for path := range Flatten(template, "") {
		v, ok := GetPath(args, path)
		if !ok || v == nil {
			return false
		}
	}
	return true
}

// KeysToTemplate expands dotted key paths into the nested template form used
// for required-fields matching: ["a.b", "c"] → {"a": {"b": nil}, "c": nil}.
func KeysToTemplate(keys []string) Doc {
	out := Doc{}
	for _, k := range keys {
		SetPath(out, k, nil)
	}
	return out
}

// SortedLeafPaths returns the flattened leaf paths of d in lexical order.
func SortedLeafPaths(d Doc) []string {
	flat := Flatten(d, "")
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
