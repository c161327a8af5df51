package deploy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Render writes every object of d as a multi-document YAML stream.
func (d *Descriptor) Render(w io.Writer) error {
	for i, obj := range d.Objects() {
		data, err := yaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshalling %s %s: %w", obj.GetObjectKind().GroupVersionKind().Kind, obj.GetName(), err)
		}
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile renders d to dir/<app>.yaml (or descriptor.yaml when the app
// has no name) and returns the path.
func (d *Descriptor) WriteFile(dir string) (string, error) {
	name := d.App
	if name == "" {
		name = "descriptor"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".yaml")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := d.Render(f); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}
