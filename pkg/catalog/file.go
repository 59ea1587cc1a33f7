package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/sandboxd/pkg/domain"
)

type catalogFile struct {
	Templates []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	Name       string            `yaml:"name"`
	Image      string            `yaml:"image"`
	Entrypoint []string          `yaml:"entrypoint"`
	Port       int               `yaml:"port"`
	BootScript string            `yaml:"boot_script"`
	Env        map[string]string `yaml:"env"`
	Health     struct {
		Protocol string `yaml:"protocol"`
		Path     string `yaml:"path"`
	} `yaml:"health"`
	MemoryMiB int64   `yaml:"memory_mib"`
	CPUs      float64 `yaml:"cpus"`
}

// LoadFile reads a YAML template catalog:
//
//	templates:
//	  - name: node-basic
//	    image: node:20-alpine
//	    port: 3000
//	    boot_script: npm install
//	    entrypoint: [npm, start]
//	    health: {protocol: http, path: /}
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse builds a catalog from YAML bytes.
func Parse(b []byte) (*Static, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	templates := make([]domain.Template, 0, len(f.Templates))
	for _, e := range f.Templates {
		templates = append(templates, domain.Template{
			Name:           e.Name,
			Image:          e.Image,
			Entrypoint:     e.Entrypoint,
			Port:           e.Port,
			BootScript:     e.BootScript,
			Env:            e.Env,
			HealthProtocol: e.Health.Protocol,
			HealthPath:     e.Health.Path,
			MemoryMiB:      e.MemoryMiB,
			NanoCPUs:       int64(e.CPUs * 1e9),
		})
	}
	return NewStatic(templates...)
}

// Defaults returns the built-in templates used when no catalog file is
// configured.
func Defaults() []domain.Template {
	return []domain.Template{
		{
			Name:       "node-basic",
			Image:      "node:20-alpine",
			BootScript: "cd /app 2>/dev/null || true; [ -f package.json ] && npm install --no-audit --no-fund",
			Entrypoint: []string{"npm", "start"},
			Port:       3000,
			MemoryMiB:  512,
			NanoCPUs:   1e9,
		},
		{
			Name:       "python-basic",
			Image:      "python:3.12-slim",
			Entrypoint: []string{"python", "-m", "http.server", "8000"},
			Port:       8000,
			MemoryMiB:  512,
			NanoCPUs:   1e9,
		},
		{
			Name:      "static-site",
			Image:     "nginx:1.27-alpine",
			Port:      80,
			MemoryMiB: 128,
			NanoCPUs:  5e8,
		},
	}
}
