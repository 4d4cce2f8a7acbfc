// Package template renders outbound email bodies with pongo2.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// Renderer loads .pongo2 templates from a directory, with compiled-template
// caching and embedded fallbacks for templates the installation has not
// customized. Render failures return an error, never partial output.
type Renderer struct {
	dir   string
	debug bool

	mu    sync.RWMutex
	cache map[string]*pongo2.Template
}

// Option customizes the renderer.
type Option func(*Renderer)

// WithDebug disables the template cache so edits show up without a restart.
func WithDebug(debug bool) Option {
	return func(r *Renderer) { r.debug = debug }
}

// NewRenderer creates a renderer rooted at dir.
func NewRenderer(dir string, opts ...Option) *Renderer {
	r := &Renderer{
		dir:   dir,
		cache: make(map[string]*pongo2.Template),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render executes the named template (without extension) against the given
// context.
func (r *Renderer) Render(name string, ctx map[string]any) (string, error) {
	tmpl, err := r.instance(name)
	if err != nil {
		return "", err
	}
	out, err := tmpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

func (r *Renderer) instance(name string) (*pongo2.Template, error) {
	if !r.debug {
		r.mu.RLock()
		tmpl, ok := r.cache[name]
		r.mu.RUnlock()
		if ok {
			return tmpl, nil
		}
	}

	tmpl, err := r.load(name)
	if err != nil {
		return nil, err
	}

	if !r.debug {
		r.mu.Lock()
		r.cache[name] = tmpl
		r.mu.Unlock()
	}
	return tmpl, nil
}

func (r *Renderer) load(name string) (*pongo2.Template, error) {
	path := filepath.Join(r.dir, name+".pongo2")
	if _, err := os.Stat(path); err == nil {
		tmpl, err := pongo2.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", path, err)
		}
		return tmpl, nil
	}

	src, ok := embedded[name]
	if !ok {
		return nil, fmt.Errorf("template %s: not found in %s and no embedded default", name, r.dir)
	}
	tmpl, err := pongo2.FromString(src)
	if err != nil {
		return nil, fmt.Errorf("parse embedded template %s: %w", name, err)
	}
	return tmpl, nil
}
