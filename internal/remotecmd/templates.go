package remotecmd

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templateCache = map[string]*template.Template{}

func loadTemplate(id string) (*template.Template, error) {
	if t, ok := templateCache[id]; ok {
		return t, nil
	}
	t, err := template.ParseFS(templateFS, "templates/"+id+".tmpl")
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", id, err)
	}
	templateCache[id] = t
	return t, nil
}

// RenderTemplate renders the named versioned template with vars and
// returns the resulting bytes, without touching the network — this is
// what lets the Remote-Command Library's templates be unit tested without
// a running host.
func RenderTemplate(templateID string, vars map[string]any) ([]byte, error) {
	t, err := loadTemplate(templateID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", templateID, err)
	}
	return buf.Bytes(), nil
}

// RenderAndWrite renders templateID and writes it to path on the host via
// WriteFile, composing render-then-write into a single higher-level
// operation.
func RenderAndWrite(ctx context.Context, r Runner, templateID string, vars map[string]any, path, mode, owner string) error {
	content, err := RenderTemplate(templateID, vars)
	if err != nil {
		return err
	}
	return WriteFile(ctx, r, path, mode, owner, content)
}
