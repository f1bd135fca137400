// Package inspector infers the structure of an undocumented JSON feed by
// walking a payload and recording, per path, what was observed there.
package inspector

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/config"
)

// Observed types.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeNull   = "null"
	TypeObject = "object"
	TypeArray  = "array"
	TypeMixed  = "mixed"
)

// Observation is what was seen at one path across the sampled payload.
type Observation struct {
	Path          string
	Type          string
	Occurrences   int
	NullCount     int
	Example       string
	Depth         int
	AlwaysPresent bool
	// Capped marks a container at the depth limit that was not descended.
	Capped bool
}

// Result maps a path ("projects[].building.floors") to its observation.
type Result map[string]Observation

// Paths returns the observed paths in lexical order.
func (r Result) Paths() []string {
	paths := make([]string, 0, len(r))
	for p := range r {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Options bound the cost of a walk.
type Options struct {
	MaxDepth         int
	ArraySampleSize  int
	ExampleMaxLength int // <= 0 keeps examples whole
}

// DefaultOptions returns the stock inspection bounds.
func DefaultOptions() Options {
	return Options{MaxDepth: 12, ArraySampleSize: 50, ExampleMaxLength: 200}
}

// OptionsFromConfig maps inspector settings to Options.
func OptionsFromConfig(cfg config.InspectorConfig) Options {
	return Options{
		MaxDepth:         cfg.MaxDepth,
		ArraySampleSize:  cfg.ArraySampleSize,
		ExampleMaxLength: cfg.ExampleMaxLength,
	}
}

// InspectBytes decodes raw JSON, keeping numbers exact, and inspects it.
func InspectBytes(data []byte, opts Options) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "inspector: decode payload")
	}
	return Inspect(v, opts), nil
}

// Inspect walks a decoded JSON value. It has no side effects.
func Inspect(value any, opts Options) Result {
	def := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.ArraySampleSize <= 0 {
		opts.ArraySampleSize = def.ArraySampleSize
	}

	w := &walker{
		opts:     opts,
		obs:      make(map[string]*Observation),
		objects:  map[string]int{},
		arrays:   map[string]int{},
		nonEmpty: map[string]int{},
	}
	w.walkRoot(value)
	return w.result()
}

type walker struct {
	opts Options
	obs  map[string]*Observation

	// per path: how many times it held an object, an array, a non-empty array
	objects  map[string]int
	arrays   map[string]int
	nonEmpty map[string]int
}

func (w *walker) walkRoot(v any) {
	switch t := v.(type) {
	case map[string]any:
		w.objects[""]++
		w.walkObject(t, "", 0)
	case []any:
		w.arrays[""]++
		if len(t) > 0 {
			w.nonEmpty[""]++
		}
		w.walkElements(t, "[]", 1)
	default:
		// A bare scalar has no paths.
	}
}

func (w *walker) walkObject(m map[string]any, path string, depth int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := k
		if path != "" {
			child = path + "." + k
		}
		w.walk(m[k], child, depth+1)
	}
}

func (w *walker) walkElements(items []any, path string, depth int) {
	n := len(items)
	if n > w.opts.ArraySampleSize {
		n = w.opts.ArraySampleSize
	}
	for _, item := range items[:n] {
		w.walk(item, path, depth)
	}
}

func (w *walker) walk(v any, path string, depth int) {
	switch t := v.(type) {
	case map[string]any:
		if depth >= w.opts.MaxDepth && len(t) > 0 {
			w.capped(path, depth)
			return
		}
		w.record(path, depth, TypeObject, "")
		w.objects[path]++
		w.walkObject(t, path, depth)
	case []any:
		w.record(path, depth, TypeArray, "")
		w.arrays[path]++
		if len(t) == 0 {
			return
		}
		w.nonEmpty[path]++
		if depth >= w.opts.MaxDepth && hasContainer(t, w.opts.ArraySampleSize) {
			w.capped(path+"[]", depth)
			return
		}
		w.walkElements(t, path+"[]", depth)
	case nil:
		o := w.observation(path, depth)
		o.Occurrences++
		o.NullCount++
		if o.Type == "" {
			o.Type = TypeNull
		}
	default:
		typ, example := classify(t)
		w.record(path, depth, typ, example)
	}
}

func hasContainer(items []any, sample int) bool {
	if len(items) > sample {
		items = items[:sample]
	}
	for _, it := range items {
		switch it.(type) {
		case map[string]any, []any:
			return true
		}
	}
	return false
}

func (w *walker) observation(path string, depth int) *Observation {
	o, ok := w.obs[path]
	if !ok {
		o = &Observation{Path: path, Depth: depth}
		w.obs[path] = o
	}
	return o
}

func (w *walker) record(path string, depth int, typ, example string) {
	o := w.observation(path, depth)
	o.Occurrences++
	o.Type = MergeType(o.Type, typ)
	if o.Example == "" && example != "" {
		o.Example = truncate(example, w.opts.ExampleMaxLength)
	}
}

func (w *walker) capped(path string, depth int) {
	o := w.observation(path, depth)
	o.Occurrences++
	o.Type = TypeMixed
	o.Capped = true
}

func (w *walker) result() Result {
	out := make(Result, len(w.obs))
	for path, o := range w.obs {
		o.AlwaysPresent = w.alwaysPresent(path, o)
		out[path] = *o
	}
	return out
}

// alwaysPresent compares a path's occurrences with those of its parent. For
// an element path "x[]" the parent is the array itself, and "present" means
// no empty array was seen at x.
func (w *walker) alwaysPresent(path string, o *Observation) bool {
	if strings.HasSuffix(path, "[]") {
		parent := strings.TrimSuffix(path, "[]")
		return w.arrays[parent] > 0 && w.nonEmpty[parent] == w.arrays[parent]
	}

	parent := ""
	if i := strings.LastIndex(path, "."); i >= 0 {
		parent = path[:i]
	}
	return o.Occurrences == w.objects[parent]
}

// MergeType combines a running type with a newly observed one. Null never
// overrides a concrete type and disagreeing concrete types become mixed.
func MergeType(current, observed string) string {
	switch {
	case observed == "" || observed == TypeNull:
		if current == "" {
			return TypeNull
		}
		return current
	case current == "" || current == TypeNull:
		return observed
	case current == observed:
		return current
	default:
		return TypeMixed
	}
}

func classify(v any) (string, string) {
	switch t := v.(type) {
	case string:
		return TypeString, t
	case bool:
		return TypeBool, strconv.FormatBool(t)
	case json.Number:
		s := t.String()
		if _, err := t.Int64(); err == nil {
			return TypeInt, s
		}
		return TypeFloat, s
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return TypeInt, strconv.FormatFloat(t, 'f', -1, 64)
		}
		return TypeFloat, strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return classify(float64(t))
	case int, int32, int64:
		return TypeInt, jsonText(t)
	default:
		return TypeMixed, jsonText(t)
	}
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
