package deploy

import (
	"reflect"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/pkg/service"
)

type A struct{}

func (*A) Embed() []float64 { return nil }

type B struct{}

func (*B) Version() string { return "1.0" }

func buildConfig() config.BuildConfig {
	return config.BuildConfig{
		AppName:   "demo",
		Tag:       "v1",
		OutputDir: ".okik/build",
		BaseImage: "gcr.io/distroless/static:nonroot",
		GoVersion: "1.24",
		Package:   "./cmd/demo",
		Port:      3000,
	}
}

func deployConfig() config.DeployConfig {
	return config.DeployConfig{
		Namespace:        "inference",
		AcceleratorTable: config.DefaultAcceleratorTable(),
		DeviceLabel:      "okik.io/device",
		ApplyRetries:     3,
	}
}

// twoServices registers A(replicas=2, one cuda accelerator) and B(replicas=1).
// Registration errors are left on the registry for Build to report.
func twoServices(aOpts ...service.Option) *service.Registry {
	reg := service.NewRegistry()
	opts := append([]service.Option{service.Replicas(2), service.Accelerator("cuda", "", 1)}, aOpts...)
	_, _ = reg.RegisterService(reflect.TypeFor[A](), opts...)
	_, _ = reg.RegisterEndpoint(reflect.TypeFor[A](), "Embed")
	_, _ = reg.RegisterService(reflect.TypeFor[B](), service.Replicas(1))
	_, _ = reg.RegisterEndpoint(reflect.TypeFor[B](), "Version", service.HTTPMethod("GET"))
	reg.Freeze()
	return reg
}
