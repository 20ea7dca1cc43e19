// Package mailing renders step templates against contact attributes using
// the Liquid template language.
package mailing

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// maxCachedTemplates bounds the parse cache. Imported jobs carry one-off
// templates, so the cache is emptied when it fills.
const maxCachedTemplates = 256

// TemplateService renders subject and body templates. Parsed templates are
// cached by source text. Safe for concurrent use.
type TemplateService struct {
	engine *liquid.Engine

	mu    sync.RWMutex
	cache map[string]*liquid.Template
}

// NewTemplateService creates a template service with the custom filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{
		engine: liquid.NewEngine(),
		cache:  make(map[string]*liquid.Template),
	}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// First word of a value: {{ name | first_word }} → "Jane" for "Jane Roe"
	ts.engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})

	// Fallback for blank values: {{ company | or: "your team" }}
	ts.engine.RegisterFilter("or", func(value interface{}, fallback string) interface{} {
		if value == nil || strings.TrimSpace(fmt.Sprintf("%v", value)) == "" {
			return fallback
		}
		return value
	})
}

func (ts *TemplateService) parse(src string) (*liquid.Template, error) {
	ts.mu.RLock()
	cached, ok := ts.cache[src]
	ts.mu.RUnlock()
	if ok {
		return cached, nil
	}
	tpl, err := ts.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	if len(ts.cache) >= maxCachedTemplates {
		ts.cache = make(map[string]*liquid.Template)
	}
	ts.cache[src] = tpl
	ts.mu.Unlock()
	return tpl, nil
}

// cached returns the number of parsed templates held.
func (ts *TemplateService) cached() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.cache)
}

// Validate reports Liquid syntax errors in src.
func (ts *TemplateService) Validate(src string) error {
	if _, err := ts.parse(src); err != nil {
		return fmt.Errorf("template syntax: %w", err)
	}
	return nil
}

// Render substitutes data into src. Unknown variables render as the empty
// string. A template Liquid cannot handle falls back to plain {{token}}
// substitution so a stray brace never blocks a send.
func (ts *TemplateService) Render(src string, data map[string]string) string {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src
	}
	tpl, err := ts.parse(src)
	if err == nil {
		bindings := make(liquid.Bindings, len(data))
		for k, v := range data {
			bindings[k] = v
		}
		out, rerr := tpl.RenderString(bindings)
		if rerr == nil {
			return out
		}
		err = rerr
	}
	log.Printf("[TemplateService] liquid failed, using token substitution: %v", err)
	return SubstituteTokens(src, data)
}

var tokenRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// SubstituteTokens replaces each {{key}} with data[key], or "" when absent.
func SubstituteTokens(src string, data map[string]string) string {
	return tokenRegex.ReplaceAllStringFunc(src, func(tok string) string {
		key := tokenRegex.FindStringSubmatch(tok)[1]
		return data[key]
	})
}
