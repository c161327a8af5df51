package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
)

const (
	// EnvPrefix is the prefix of every environment variable read by okik,
	// e.g. OKIK_SERVER_PORT.
	EnvPrefix = "OKIK"
	// DefaultConfigName is looked up as okik.yaml in the working directory.
	DefaultConfigName = "okik"
	// DefaultOverridesFile holds per-service overrides, see ParseOverrides.
	DefaultOverridesFile = "okik.services.yaml"
)

// Server modes.
const (
	ModeDev        = "dev"
	ModeProduction = "production"
)

// Process policies for production mode.
const (
	// PolicyShared runs every local service in each of N identical
	// processes, N being the largest replica count among them.
	PolicyShared = "shared"
	// PolicyPerService gives each service its own process group and port.
	PolicyPerService = "per-service"
)

// Config is the complete runtime configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Build  BuildConfig  `mapstructure:"build"`
	Deploy DeployConfig `mapstructure:"deploy"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the HTTP server binder.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	MaxRequestBytes int64         `mapstructure:"maxRequestBytes"`
	// Watch lists the files and directories whose changes trigger a reload
	// in dev mode. The overrides file is always watched.
	Watch          []string      `mapstructure:"watch"`
	ReloadDebounce time.Duration `mapstructure:"reloadDebounce"`
	ProcessPolicy  string        `mapstructure:"processPolicy"`
	// LocalServices restricts which services are served locally. Empty
	// means all of them.
	LocalServices []string `mapstructure:"localServices"`
	OverridesFile string   `mapstructure:"overridesFile"`
}

// BuildConfig configures descriptor and build spec generation.
type BuildConfig struct {
	AppName   string `mapstructure:"appName"`
	Tag       string `mapstructure:"tag"`
	Registry  string `mapstructure:"registry"`
	OutputDir string `mapstructure:"outputDir"`
	BaseImage string `mapstructure:"baseImage"`
	GoVersion string `mapstructure:"goVersion"`
	// Package is the main package compiled into the image.
	Package string `mapstructure:"package"`
	Port    int    `mapstructure:"port"`
}

// DeployConfig configures the Kubernetes translation.
type DeployConfig struct {
	Namespace string `mapstructure:"namespace"`
	// AcceleratorTable maps an accelerator type to the extended resource
	// name requested from the cluster.
	AcceleratorTable map[string]string `mapstructure:"acceleratorTable"`
	// DeviceLabel is the node label used to select a device class.
	DeviceLabel    string `mapstructure:"deviceLabel"`
	ServiceMonitor bool   `mapstructure:"serviceMonitor"`
	ApplyRetries   uint   `mapstructure:"applyRetries"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultAcceleratorTable is the built-in accelerator translation.
func DefaultAcceleratorTable() map[string]string {
	return map[string]string{
		"cuda":   "nvidia.com/gpu",
		"nvidia": "nvidia.com/gpu",
		"rocm":   "amd.com/gpu",
		"amd":    "amd.com/gpu",
		"tpu":    "google.com/tpu",
		"neuron": "aws.amazon.com/neuron",
	}
}

// SetDefaults registers every key with its default so that environment
// variables are honoured by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", ModeProduction)
	v.SetDefault("server.requestTimeout", 60*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("server.maxRequestBytes", int64(32<<20))
	v.SetDefault("server.watch", []string{"."})
	v.SetDefault("server.reloadDebounce", 300*time.Millisecond)
	v.SetDefault("server.processPolicy", PolicyShared)
	v.SetDefault("server.localServices", []string{})
	v.SetDefault("server.overridesFile", DefaultOverridesFile)

	v.SetDefault("build.appName", "")
	v.SetDefault("build.tag", "latest")
	v.SetDefault("build.registry", "")
	v.SetDefault("build.outputDir", ".okik/build")
	v.SetDefault("build.baseImage", "gcr.io/distroless/static-debian12")
	v.SetDefault("build.goVersion", "1.24")
	v.SetDefault("build.package", ".")
	v.SetDefault("build.port", 3000)

	v.SetDefault("deploy.namespace", "default")
	v.SetDefault("deploy.acceleratorTable", DefaultAcceleratorTable())
	v.SetDefault("deploy.deviceLabel", "okik.io/device")
	v.SetDefault("deploy.serviceMonitor", false)
	v.SetDefault("deploy.applyRetries", uint(5))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// FlagKeys maps CLI flag names to configuration keys. Flags that are not
// defined on a given command are skipped.
var FlagKeys = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"request-timeout":  "server.requestTimeout",
	"process-policy":   "server.processPolicy",
	"local-services":   "server.localServices",
	"overrides":        "server.overridesFile",
	"watch":            "server.watch",
	"app-name":         "build.appName",
	"tag":              "build.tag",
	"registry":         "build.registry",
	"output-dir":       "build.outputDir",
	"package":          "build.package",
	"namespace":        "deploy.namespace",
	"service-monitor":  "deploy.serviceMonitor",
	"log-level":        "log.level",
	"log-development":  "log.development",
	"shutdown-timeout": "server.shutdownTimeout",
}

// Load reads configuration from defaults, the optional config file, OKIK_*
// environment variables and flags, in increasing order of precedence.
// An explicitly named file must exist; the implicit okik.yaml is optional.
func Load(flags *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errdefs.Configuration([]string{file}, "reading config file: %v", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errdefs.Configuration(nil, "decoding configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.Validate(),
		c.Build.Validate(),
		c.Deploy.Validate(),
		c.Log.Validate(),
	)
}

// Validate checks for invalid server values.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, errdefs.Configuration([]string{"server.port"}, "port must be between 0 and 65535, got %d", c.Port))
	}
	if c.Mode != ModeDev && c.Mode != ModeProduction {
		errs = append(errs, errdefs.Configuration([]string{"server.mode"}, "mode must be %q or %q, got %q", ModeDev, ModeProduction, c.Mode))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errdefs.Configuration([]string{"server.requestTimeout"}, "requestTimeout must be >= 0, got %s", c.RequestTimeout))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errdefs.Configuration([]string{"server.shutdownTimeout"}, "shutdownTimeout must be >= 0, got %s", c.ShutdownTimeout))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errdefs.Configuration([]string{"server.maxRequestBytes"}, "maxRequestBytes must be > 0, got %d", c.MaxRequestBytes))
	}
	if c.ReloadDebounce < 0 {
		errs = append(errs, errdefs.Configuration([]string{"server.reloadDebounce"}, "reloadDebounce must be >= 0, got %s", c.ReloadDebounce))
	}
	if c.ProcessPolicy != PolicyShared && c.ProcessPolicy != PolicyPerService {
		errs = append(errs, errdefs.Configuration([]string{"server.processPolicy"}, "processPolicy must be %q or %q, got %q", PolicyShared, PolicyPerService, c.ProcessPolicy))
	}
	return errors.Join(errs...)
}

// Dev reports whether reload is enabled.
func (c *ServerConfig) Dev() bool { return c.Mode == ModeDev }

// Address is the listen address.
func (c *ServerConfig) Address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Validate checks for invalid build values.
func (c *BuildConfig) Validate() error {
	var errs []error
	if c.Tag == "" {
		errs = append(errs, errdefs.Configuration([]string{"build.tag"}, "tag must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errdefs.Configuration([]string{"build.port"}, "port must be between 1 and 65535, got %d", c.Port))
	}
	if c.OutputDir == "" {
		errs = append(errs, errdefs.Configuration([]string{"build.outputDir"}, "outputDir must not be empty"))
	}
	return errors.Join(errs...)
}

// Image returns the image reference for the application.
func (c *BuildConfig) Image() string {
	ref := c.AppName + ":" + c.Tag
	if c.Registry != "" {
		ref = strings.TrimSuffix(c.Registry, "/") + "/" + ref
	}
	return ref
}

// Validate checks for invalid deploy values.
func (c *DeployConfig) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errdefs.Configuration([]string{"deploy.namespace"}, "namespace must not be empty"))
	}
	for _, typ := range sortedMapKeys(c.AcceleratorTable) {
		if c.AcceleratorTable[typ] == "" {
			errs = append(errs, errdefs.Configuration([]string{"deploy.acceleratorTable." + typ}, "resource name must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the log level.
func (c *LogConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return errdefs.Configuration([]string{"log.level"}, "%v", err)
	}
	return nil
}

// Logging converts the section into logger options.
func (c *LogConfig) Logging() logging.Options {
	return logging.Options{Level: c.Level, Development: c.Development}
}
