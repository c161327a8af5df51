package deploy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/pkg/service"
)

var dockerfileTmpl = template.Must(template.New("Dockerfile").Parse(`# syntax=docker/dockerfile:1
FROM golang:{{ .GoVersion }} AS builder
WORKDIR /workspace
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 go build -trimpath -o /out/{{ .Binary }} {{ .Package }}

FROM {{ .BaseImage }}
WORKDIR /
COPY --from=builder /out/{{ .Binary }} /{{ .Binary }}
EXPOSE {{ .Port }}
USER 65532:65532
ENTRYPOINT ["/{{ .Binary }}"]
CMD ["server"]
`))

// Dockerfile renders the container build spec for the application.
func Dockerfile(cfg config.BuildConfig) ([]byte, error) {
	binary := cfg.AppName
	if binary == "" {
		binary = "app"
	}
	pkg := cfg.Package
	if pkg == "" {
		pkg = "."
	}
	var buf bytes.Buffer
	err := dockerfileTmpl.Execute(&buf, map[string]any{
		"GoVersion": cfg.GoVersion,
		"BaseImage": cfg.BaseImage,
		"Port":      cfg.Port,
		"Package":   pkg,
		"Binary":    binary,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// SkyTask is a SkyPilot task running one service on a cloud VM.
type SkyTask struct {
	Name      string            `yaml:"name"`
	Resources SkyResources      `yaml:"resources"`
	NumNodes  int               `yaml:"num_nodes,omitempty"`
	Workdir   string            `yaml:"workdir"`
	Envs      map[string]string `yaml:"envs,omitempty"`
	Setup     string            `yaml:"setup,omitempty"`
	Run       string            `yaml:"run"`
}

// SkyResources is the resources block of a SkyTask.
type SkyResources struct {
	Accelerators string `yaml:"accelerators,omitempty"`
	CPUs         string `yaml:"cpus,omitempty"`
	Memory       string `yaml:"memory,omitempty"`
	Ports        []int  `yaml:"ports,omitempty"`
}

// NewSkyTask describes svc as a SkyPilot task. Accelerators are written as
// "<device>:<count>", with the type standing in when no device class is set.
func NewSkyTask(cfg config.BuildConfig, svc *service.ServiceDefinition) SkyTask {
	task := SkyTask{
		Name:     svc.Name,
		NumNodes: 1,
		Workdir:  ".",
		Envs: map[string]string{
			"OKIK_SERVER_LOCALSERVICES": svc.Name,
			"OKIK_SERVER_PORT":          fmt.Sprint(cfg.Port),
		},
		Setup:     "go build -o okik-app " + cfg.Package,
		Run:       "./okik-app server",
		Resources: SkyResources{Ports: []int{cfg.Port}},
	}
	if acc, ok := svc.Resources[service.ResourceAccelerator]; ok {
		device := acc.Device
		if device == "" {
			device = acc.Type
		}
		task.Resources.Accelerators = fmt.Sprintf("%s:%d", device, acc.Count)
	}
	if cpu, ok := svc.Resources[service.ResourceCPU]; ok {
		task.Resources.CPUs = fmt.Sprintf("%d+", cpu.Count)
	}
	if mem, ok := svc.Resources[service.ResourceMemory]; ok {
		task.Resources.Memory = fmt.Sprintf("%d+", mem.Count)
	}
	return task
}

// WriteBuildSpec writes the Dockerfile and one SkyTask per service into
// dir and returns the written paths.
func WriteBuildSpec(dir string, cfg config.BuildConfig, services []*service.ServiceDefinition) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	dockerfile, err := Dockerfile(cfg)
	if err != nil {
		return nil, err
	}
	paths := []string{filepath.Join(dir, "Dockerfile")}
	if err := os.WriteFile(paths[0], dockerfile, 0o644); err != nil {
		return nil, err
	}
	for _, svc := range services {
		data, err := yaml.Marshal(NewSkyTask(cfg, svc))
		if err != nil {
			return nil, fmt.Errorf("encoding task for %s: %w", svc.Name, err)
		}
		path := filepath.Join(dir, svc.Name+SkyTaskSuffix)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
