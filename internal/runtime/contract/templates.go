package contract

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// TemplateFunc builds an encoded message from positional template arguments.
type TemplateFunc func(ctx context.Context, args [][]byte) ([]byte, error)

// Templates maps template names onto generators for one schema.
type Templates struct {
	schema envelope.Schema

	mu        sync.RWMutex
	templates map[string]TemplateFunc
}

// NewTemplates returns an empty registry producing data for schema.
func NewTemplates(schema envelope.Schema) *Templates {
	return &Templates{schema: schema, templates: make(map[string]TemplateFunc)}
}

// Register adds or replaces a template and returns t for chaining.
func (t *Templates) Register(name string, fn TemplateFunc) *Templates {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[name] = fn
	return t
}

// Names lists the accepted template names in sorted order.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.templates))
	for name := range t.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Generate runs the template info names. An unknown template is an error
// naming it together with the accepted set.
func (t *Templates) Generate(ctx context.Context, info *envelope.GenerateMessageInfo) (*envelope.Data, error) {
	t.mu.RLock()
	fn, ok := t.templates[info.Template]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for schema %s, available: [%s]",
			errspkg.ErrUnknownTemplate, info.Template, t.schema, strings.Join(t.Names(), ", "))
	}

	payload, err := fn(ctx, info.Args)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", info.Template, err)
	}
	return &envelope.Data{Schema: t.schema, Payload: payload}, nil
}
