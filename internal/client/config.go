package client

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"
)

const (
	// ServerEnvKey overrides the server of the config file.
	ServerEnvKey = "PARAMOPT_SERVER"

	DefaultServer = "http://localhost:3443"
)

// Config holds the information needed to connect to a paramopt API server
type Config struct {
	Service Service `json:"service"`
}

type Service struct {
	// Server is the URL of the API server (the part before /api/v1/...).
	Server string `json:"server"`
	// Timeout bounds every request. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func NewDefault() *Config {
	return &Config{Service: Service{Server: DefaultServer}}
}

// DefaultClientConfigPath returns the default path to the client config file.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".paramopt", "client.yaml")
}

func ParseConfigFile(filename string) (*Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config := NewDefault()
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads filename when it exists and falls back to the defaults otherwise.
// ServerEnvKey wins over both.
func LoadConfig(filename string) (*Config, error) {
	config := NewDefault()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			if config, err = ParseConfigFile(filename); err != nil {
				return nil, err
			}
		}
	}
	if server := os.Getenv(ServerEnvKey); server != "" {
		config.Service.Server = server
	}
	return config, config.Validate()
}

// WriteConfig writes a client config file using the given parameters.
func WriteConfig(filename string, server string) error {
	config := NewDefault()
	config.Service.Server = server
	if err := config.Validate(); err != nil {
		return err
	}
	return config.Persist(filename)
}

func (c *Config) Persist(filename string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.WriteFile(filename, contents, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	validationErrors := validateService(c.Service)
	if len(validationErrors) > 0 {
		return fmt.Errorf("invalid configuration: %v", utilerrors.NewAggregate(validationErrors).Error())
	}
	return nil
}

func validateService(service Service) []error {
	validationErrors := make([]error, 0)
	if len(service.Server) == 0 {
		validationErrors = append(validationErrors, fmt.Errorf("no server found"))
	} else {
		u, err := url.Parse(service.Server)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid server format %q: %w", service.Server, err))
		}
		if err == nil && len(u.Hostname()) == 0 {
			validationErrors = append(validationErrors, fmt.Errorf("invalid server format %q: no hostname", service.Server))
		}
	}
	if service.Timeout < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("negative timeout %s", service.Timeout))
	}
	return validationErrors
}

// NewHTTPClientFromConfig returns a new HTTP Client from the given config.
func NewHTTPClientFromConfig(config *Config) *http.Client {
	return &http.Client{
		Timeout: config.Service.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
