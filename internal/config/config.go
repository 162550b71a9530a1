// Package config loads the YAML service configuration and the environment
// overrides for process-level settings.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"risk-sms/internal/messages"
)

const DefaultPath = "config/risk-sms.yml"

// Datasource describes the shared connection pool.
type Datasource struct {
	ServerName          string `yaml:"serverName"`
	Port                int    `yaml:"port"`
	ServiceName         string `yaml:"serviceName"`
	User                string `yaml:"user"`
	Password            string `yaml:"password"`
	MaximumPoolSize     int    `yaml:"maximumPoolSize"`
	MinimumIdle         int    `yaml:"minimumIdle"`
	IdleTimeoutMs       int    `yaml:"idleTimeout"`
	ConnectionTimeoutMs int    `yaml:"connectionTimeout"`
}

// DSN derives the connection string for the pool.
func (d Datasource) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(d.User), url.QueryEscape(d.Password),
		d.ServerName, d.Port, d.ServiceName)
}

// SMPP holds one service's carrier connection settings. The sourceAdress
// key keeps its historical spelling for compatibility with deployed
// configuration files.
type SMPP struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SystemID      string `yaml:"systemId"`
	Password      string `yaml:"password"`
	SourceAddress string `yaml:"sourceAdress"`
	SendDelayMs   int    `yaml:"sendDelayMs"`
	WindowSize    int    `yaml:"windowSize"`
}

// Service is one configured carrier service.
type Service struct {
	Nombre                string `yaml:"nombre"`
	Telefonia             string `yaml:"telefonia"`
	Clasificacion         string `yaml:"clasificacion"`
	CantidadMaximaPorLote int    `yaml:"cantidadMaximaPorLote"`
	ModoEnvioLote         string `yaml:"modoEnvioLote"`
	IntervaloEntreLotesMs int    `yaml:"intervaloEntreLotesMs"`
	MaximoIntentos        int    `yaml:"maximoIntentos"`
	SMPP                  SMPP   `yaml:"smpp"`
}

// Mode returns the configured batch send mode.
func (s Service) Mode() messages.SendMode { return messages.SendMode(s.ModoEnvioLote) }

// CarrierFilter returns the carrier filter, nil meaning wildcard.
func (s Service) CarrierFilter() *string { return optional(s.Telefonia) }

// ClassificationFilter returns the category filter, nil meaning wildcard.
func (s Service) ClassificationFilter() *string { return optional(s.Clasificacion) }

// ServiceList accepts either a single service object or a list under the
// sms key.
type ServiceList []Service

func (l *ServiceList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var services []Service
		if err := value.Decode(&services); err != nil {
			return err
		}
		*l = services
		return nil
	}
	var one Service
	if err := value.Decode(&one); err != nil {
		return err
	}
	*l = ServiceList{one}
	return nil
}

// Env holds process-level settings taken from the environment.
type Env struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr    string `envconfig:"METRICS_ADDR"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`
}

// Config is the full process configuration.
type Config struct {
	Datasource Datasource  `yaml:"datasource"`
	SMS        ServiceList `yaml:"sms"`
	Env        Env         `yaml:"-"`
}

// Load reads the YAML file, applies defaults, validates, and merges the
// environment overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("leer configuración %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsear configuración %s: %w", path, err)
	}
	if err := envconfig.Process("", &cfg.Env); err != nil {
		return nil, fmt.Errorf("variables de entorno: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Datasource.MaximumPoolSize <= 0 {
		c.Datasource.MaximumPoolSize = 50
	}
	if c.Datasource.MinimumIdle <= 0 {
		c.Datasource.MinimumIdle = 5
	}
	if c.Datasource.IdleTimeoutMs <= 0 {
		c.Datasource.IdleTimeoutMs = 30000
	}
	if c.Datasource.ConnectionTimeoutMs <= 0 {
		c.Datasource.ConnectionTimeoutMs = 10000
	}

	for i := range c.SMS {
		s := &c.SMS[i]
		if s.CantidadMaximaPorLote <= 0 {
			s.CantidadMaximaPorLote = 100
		}
		if s.ModoEnvioLote == "" {
			s.ModoEnvioLote = string(messages.ModeSequentialSpaced)
		}
		if s.IntervaloEntreLotesMs <= 0 {
			s.IntervaloEntreLotesMs = 10000
		}
		if s.MaximoIntentos <= 0 {
			s.MaximoIntentos = 5
		}
		if s.SMPP.SendDelayMs <= 0 {
			s.SMPP.SendDelayMs = 500
		}
		if s.SMPP.WindowSize <= 0 {
			s.SMPP.WindowSize = 10
		}
	}
}

func (c *Config) validate() error {
	if c.Datasource.ServerName == "" {
		return fmt.Errorf("datasource.serverName es obligatorio")
	}
	if len(c.SMS) == 0 {
		return fmt.Errorf("se requiere al menos un servicio sms")
	}
	for i, s := range c.SMS {
		if s.Nombre == "" {
			return fmt.Errorf("sms[%d].nombre es obligatorio", i)
		}
		if s.SMPP.Host == "" || s.SMPP.SystemID == "" {
			return fmt.Errorf("sms[%d] (%s): smpp.host y smpp.systemId son obligatorios", i, s.Nombre)
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
