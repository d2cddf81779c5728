package tools

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// WildcardKeyword resolves every registered tool.
const WildcardKeyword = "*"

type entry struct {
	tool     *Tool
	keywords []string
	schema   *gojsonschema.Schema
}

// Registry holds the available tools and a keyword index over them.
// Stages ask for tools by keyword so that each stage only sees what it needs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	index map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
		index: make(map[string]map[string]struct{}),
	}
}

// RegisterWithKeywords adds or replaces a tool. The last registration wins,
// including its keyword set.
func (r *Registry) RegisterWithKeywords(tool *Tool, keywords ...string) error {
	if tool == nil || tool.Spec.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if tool.Executor == nil {
		return errors.Errorf("tool %s has no executor", tool.Spec.Name)
	}
	schema, err := compileSchema(tool.Spec)
	if err != nil {
		return err
	}

	norm := normalizeKeywords(keywords)
	name := tool.Spec.Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.tools[name]; ok {
		r.unindex(name, old.keywords)
	}
	r.tools[name] = &entry{tool: tool, keywords: norm, schema: schema}
	for _, k := range norm {
		set, ok := r.index[k]
		if !ok {
			set = make(map[string]struct{})
			r.index[k] = set
		}
		set[name] = struct{}{}
	}
	return nil
}

func (r *Registry) Register(tool *Tool) error {
	return r.RegisterWithKeywords(tool)
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return errors.Wrap(ErrToolNotFound, name)
	}
	r.unindex(name, e.keywords)
	delete(r.tools, name)
	return nil
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *Registry) HasTool(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Keywords returns the normalized keywords a tool was registered with.
func (r *Registry) Keywords(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return append([]string(nil), e.keywords...)
	}
	return nil
}

// ResolveForKeywords returns the union of tools indexed under any of the
// keywords, sorted by name. The wildcard keyword selects every tool.
func (r *Registry) ResolveForKeywords(keywords ...string) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := map[string]struct{}{}
	for _, k := range normalizeKeywords(keywords) {
		if k == WildcardKeyword {
			for name := range r.tools {
				names[name] = struct{}{}
			}
			break
		}
		for name := range r.index[k] {
			names[name] = struct{}{}
		}
	}

	ret := make([]ToolSpec, 0, len(names))
	for name := range names {
		ret = append(ret, r.tools[name].tool.Spec)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// Specs returns every registered tool spec, sorted by name.
func (r *Registry) Specs() []ToolSpec {
	return r.ResolveForKeywords(WildcardKeyword)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

func (r *Registry) unindex(name string, keywords []string) {
	for _, k := range keywords {
		set := r.index[k]
		delete(set, name)
		if len(set) == 0 {
			delete(r.index, k)
		}
	}
}

func normalizeKeywords(keywords []string) []string {
	seen := map[string]struct{}{}
	ret := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ret = append(ret, k)
	}
	return ret
}

func compileSchema(spec ToolSpec) (*gojsonschema.Schema, error) {
	if spec.InputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal schema of %s", spec.Name)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode schema of %s", spec.Name)
	}
	// gojsonschema only knows drafts up to 7
	delete(doc, "$schema")
	delete(doc, "$id")

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema of %s", spec.Name)
	}
	return schema, nil
}

func validateArgs(name string, schema *gojsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return &ValidationError{Tool: name, Problems: []string{"arguments are not valid JSON"}}
	}
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{Tool: name, Problems: problems}
}
