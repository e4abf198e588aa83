package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools for tool_search.
type ToolCategory string

const (
	CategoryTasks     ToolCategory = "tasks"
	CategoryLifecycle ToolCategory = "lifecycle"
	CategoryLedger    ToolCategory = "ledger"
	CategoryDecisions ToolCategory = "decisions"
	CategoryAudit     ToolCategory = "audit"
	CategorySearch    ToolCategory = "search"
)

// Categories lists every category in display order.
var Categories = []ToolCategory{
	CategoryTasks, CategoryLifecycle, CategoryLedger, CategoryDecisions, CategoryAudit, CategorySearch,
}

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry indexes the server's tools for tool_search.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolMetadata
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolMetadata)}
}

// Register adds or replaces meta. Unnamed tools are ignored.
func (r *ToolRegistry) Register(meta *ToolMetadata) {
	if meta == nil || meta.Name == "" {
		return
	}
	r.mu.Lock()
	r.tools[meta.Name] = *meta
	r.mu.Unlock()
}

func (r *ToolRegistry) Get(name string) (ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.tools[name]
	return meta, ok
}

// List returns every tool sorted by name.
func (r *ToolRegistry) List() []ToolMetadata {
	r.mu.RLock()
	out := make([]ToolMetadata, 0, len(r.tools))
	for _, meta := range r.tools {
		out = append(out, meta)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is one tool_search hit. Score is 3 for an exact name, 2 for
// a name match and 1 for a description or keyword match.
type SearchResult struct {
	Tool        ToolMetadata `json:"tool"`
	Score       int          `json:"score"`
	MatchReason string       `json:"match_reason"`
}

// matcher tests one field of a tool against the query.
type matcher struct {
	score  int
	reason string
	match  func(meta ToolMetadata, q query) bool
}

type query struct {
	lower string
	re    *regexp.Regexp
}

func (q query) hit(s string) bool {
	if strings.Contains(strings.ToLower(s), q.lower) {
		return true
	}
	return q.re != nil && q.re.MatchString(s)
}

// matchers are tried in order; the first hit decides the score.
var matchers = []matcher{
	{3, "exact name match", func(m ToolMetadata, q query) bool { return strings.EqualFold(m.Name, q.lower) }},
	{2, "name matches", func(m ToolMetadata, q query) bool { return q.hit(m.Name) }},
	{1, "description matches", func(m ToolMetadata, q query) bool { return q.hit(m.Description) }},
	{1, "keyword matches", func(m ToolMetadata, q query) bool {
		for _, kw := range m.Keywords {
			if q.hit(kw) {
				return true
			}
		}
		return false
	}},
}

// Search matches text case-insensitively against names, descriptions and
// keywords, also as a regular expression when it compiles. An empty
// category searches every tool. Results are ordered by score, then name.
func (r *ToolRegistry) Search(text string, category ToolCategory) []SearchResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	q := query{lower: strings.ToLower(text)}
	if re, err := regexp.Compile("(?i)" + text); err == nil {
		q.re = re
	}

	var out []SearchResult
	for _, meta := range r.List() {
		if category != "" && meta.Category != category {
			continue
		}
		for _, m := range matchers {
			if m.match(meta, q) {
				out = append(out, SearchResult{Tool: meta, Score: m.score, MatchReason: m.reason})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
