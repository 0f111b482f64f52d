package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models breaklock.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" validate:"required"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Store struct {
		Driver    string `yaml:"driver" validate:"oneof=sqlite postgres"`
		Workspace string `yaml:"workspace"`
		DSN       string `yaml:"dsn" validate:"required_if=Driver postgres"`
	} `yaml:"store"`
	Breaks struct {
		DefaultCapacity int      `yaml:"default_capacity" validate:"gt=0"`
		DefaultDuration Duration `yaml:"default_duration"`
		MaxDuration     Duration `yaml:"max_duration"`
		Timezone        string   `yaml:"timezone"`
	} `yaml:"breaks"`
	Reaper struct {
		Enabled  bool     `yaml:"enabled"`
		Interval Duration `yaml:"interval"`
	} `yaml:"reaper"`
	Notify struct {
		SendGrid struct {
			APIKey    string `yaml:"api_key"`
			FromName  string `yaml:"from_name"`
			FromEmail string `yaml:"from_email" validate:"omitempty,email"`
		} `yaml:"sendgrid"`
		// Domain is appended to subjects that are not e-mail addresses.
		Domain string `yaml:"domain" validate:"omitempty,hostname"`
	} `yaml:"notify"`
	Authz struct {
		AdminRoles []RoleGrant `yaml:"admin_roles" validate:"dive"`
	} `yaml:"authz"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// RoleGrant gives a role the admin capability in one tenant, or every tenant with "*".
type RoleGrant struct {
	Role   string `yaml:"role" validate:"required"`
	Tenant string `yaml:"tenant" validate:"required"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" validate:"required,url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Duration is a time.Duration written as "30m" in YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, then the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s failed %q validation", trimNamespace(fe.Namespace()), fe.Tag())
		}
		return err
	}
	if c.Breaks.DefaultDuration.Duration <= 0 {
		return fmt.Errorf("config.breaks.default_duration must be positive")
	}
	if c.Breaks.MaxDuration.Duration < c.Breaks.DefaultDuration.Duration {
		return fmt.Errorf("config.breaks.max_duration must be at least default_duration")
	}
	if _, err := time.LoadLocation(c.Breaks.Timezone); err != nil {
		return fmt.Errorf("config.breaks.timezone: %w", err)
	}
	if c.Reaper.Enabled && c.Reaper.Interval.Duration <= 0 {
		return fmt.Errorf("config.reaper.interval must be positive when the reaper is enabled")
	}
	sg := c.Notify.SendGrid
	if sg.APIKey != "" && sg.FromEmail == "" {
		return fmt.Errorf("config.notify.sendgrid.from_email is required with an api_key")
	}
	return nil
}

func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// Location returns the zone used for "today" boundaries.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Breaks.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "breaklock.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	return FromFile(Path(workspace))
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Store.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with breaklock config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""
  dev_login: false

store:
  driver: sqlite
  workspace: .
  dsn: ""

breaks:
  default_capacity: 2
  default_duration: 30m
  max_duration: 2h
  timezone: UTC

reaper:
  enabled: true
  interval: 15s

notify:
  sendgrid:
    api_key: ""
    from_name: BreakLock
    from_email: ""
  domain: ""

authz:
  admin_roles:
    - role: admin
      tenant: "*"

webhooks: []
`
