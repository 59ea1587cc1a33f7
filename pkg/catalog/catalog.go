package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Catalog resolves template names to immutable template descriptors.
type Catalog interface {
	// Resolve returns the template with the given name. Unknown names return
	// an error of kind domain.KindTemplateNotFound.
	Resolve(ctx context.Context, name string) (domain.Template, error)

	// List returns every template, in catalog order.
	List(ctx context.Context) ([]domain.Template, error)
}

// Static is an in-memory catalog. It is immutable after construction.
type Static struct {
	templates map[string]domain.Template
	order     []string
}

var _ Catalog = (*Static)(nil)

// NewStatic validates the templates and builds a catalog from them.
func NewStatic(templates ...domain.Template) (*Static, error) {
	c := &Static{templates: make(map[string]domain.Template, len(templates))}
	var errs []error
	for _, t := range templates {
		t = withDefaults(t)
		if err := validate(t); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.templates[t.Name]; dup {
			errs = append(errs, fmt.Errorf("template %q defined more than once", t.Name))
			continue
		}
		c.templates[t.Name] = t.Clone()
		c.order = append(c.order, t.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func (c *Static) Resolve(_ context.Context, name string) (domain.Template, error) {
	t, ok := c.templates[strings.TrimSpace(name)]
	if !ok {
		return domain.Template{}, domain.TemplateNotFound(name, nil)
	}
	return t.Clone(), nil
}

func (c *Static) List(_ context.Context) ([]domain.Template, error) {
	out := make([]domain.Template, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.templates[name].Clone())
	}
	return out, nil
}

func withDefaults(t domain.Template) domain.Template {
	t.Name = strings.TrimSpace(t.Name)
	t.Image = strings.TrimSpace(t.Image)
	if t.HealthProtocol == "" {
		t.HealthProtocol = domain.ProtocolHTTP
	}
	if t.HealthProtocol == domain.ProtocolHTTP && t.HealthPath == "" {
		t.HealthPath = "/"
	}
	return t
}

func validate(t domain.Template) error {
	switch {
	case t.Name == "":
		return errors.New("template name is required")
	case t.Image == "":
		return fmt.Errorf("template %q: image is required", t.Name)
	case t.Port < 1 || t.Port > 65535:
		return fmt.Errorf("template %q: port %d out of range", t.Name, t.Port)
	case t.MemoryMiB < 0 || t.NanoCPUs < 0:
		return fmt.Errorf("template %q: resource limits must not be negative", t.Name)
	}
	switch t.HealthProtocol {
	case domain.ProtocolHTTP, domain.ProtocolGRPC, domain.ProtocolTCP:
	default:
		return fmt.Errorf("template %q: unknown health protocol %q", t.Name, t.HealthProtocol)
	}
	if t.HealthProtocol == domain.ProtocolHTTP && !strings.HasPrefix(t.HealthPath, "/") {
		return fmt.Errorf("template %q: health path must start with /", t.Name)
	}
	return nil
}
