// Package device defines remote device configurations and their collection.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Type is the kind of device a configuration connects to.
type Type string

const (
	// Physical is real hardware reachable over the network.
	Physical Type = "physical"

	// Simulator is an emulated device, usually on the local machine.
	Simulator Type = "simulator"
)

// AuthType selects how the connection authenticates.
type AuthType string

const (
	// AuthPassword authenticates with the configured password.
	AuthPassword AuthType = "password"

	// AuthKey authenticates with the private key in KeyFile.
	AuthKey AuthType = "key"
)

// Limits for port and timeout values.
const (
	MinPortOrTimeout = 0
	MaxPortOrTimeout = 32767
)

const (
	defaultPhysicalHost  = "192.168.2.15"
	defaultSimulatorHost = "localhost"
	defaultPhysicalPort  = 22
	defaultSimulatorPort = 6666
	defaultUser          = "developer"
	defaultTimeout       = 30
)

// Config identifies a remote target and how to log in to it.
type Config struct {
	// Name is the unique display name of the configuration.
	Name string `yaml:"name"`

	// Type is physical or simulator.
	Type Type `yaml:"type"`

	// Auth is password or key.
	Auth AuthType `yaml:"auth"`

	// Host is the target hostname or IP address.
	Host string `yaml:"host"`

	// Port is the SSH port.
	Port int `yaml:"port"`

	// Timeout is the connection timeout in seconds.
	Timeout int `yaml:"timeout"`

	// User is the login name.
	User string `yaml:"user"`

	// Password is used with password authentication.
	Password string `yaml:"password,omitempty"`

	// KeyFile is the private key path used with key authentication.
	KeyFile string `yaml:"key_file,omitempty"`
}

// NewDefault creates a configuration with the defaults for the given type.
func NewDefault(name string, typ Type) *Config {
	c := &Config{
		Name:    name,
		Type:    typ,
		Auth:    AuthKey,
		User:    defaultUser,
		Timeout: defaultTimeout,
		KeyFile: defaultKeyFile(),
	}
	c.Host = DefaultHost(typ)
	c.Port = DefaultPort(typ)
	return c
}

// DefaultHost returns the default host for a device type.
func DefaultHost(typ Type) string {
	if typ == Simulator {
		return defaultSimulatorHost
	}
	return defaultPhysicalHost
}

// DefaultPort returns the default SSH port for a device type.
func DefaultPort(typ Type) int {
	if typ == Simulator {
		return defaultSimulatorPort
	}
	return defaultPhysicalPort
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}

// GetType returns the device type, defaulting to physical.
func (c *Config) GetType() Type {
	if c.Type == "" {
		return Physical
	}
	return c.Type
}

// GetAuth returns the authentication type, defaulting to key.
func (c *Config) GetAuth() AuthType {
	if c.Auth == "" {
		return AuthKey
	}
	return c.Auth
}

// GetPort returns the port, falling back to the type default when unset.
func (c *Config) GetPort() int {
	if c.Port == 0 {
		return DefaultPort(c.GetType())
	}
	return c.Port
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("device configuration is missing a name")
	}

	switch c.GetType() {
	case Physical, Simulator:
	default:
		return fmt.Errorf("invalid device type: %s (must be physical or simulator)", c.Type)
	}

	if err := checkRange("port", c.Port); err != nil {
		return err
	}
	if err := checkRange("timeout", c.Timeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%s: host is empty", c.Name)
	}

	switch c.GetAuth() {
	case AuthPassword:
		if c.Password == "" {
			return fmt.Errorf("%s: password authentication requires a password", c.Name)
		}
	case AuthKey:
		if c.KeyFile == "" {
			return fmt.Errorf("%s: key authentication requires a key file", c.Name)
		}
	default:
		return fmt.Errorf("invalid authentication type: %s (must be password or key)", c.Auth)
	}

	return nil
}

func checkRange(field string, v int) error {
	if v < MinPortOrTimeout || v > MaxPortOrTimeout {
		return fmt.Errorf("%s %d out of range [%d, %d]", field, v, MinPortOrTimeout, MaxPortOrTimeout)
	}
	return nil
}

// String returns a human-readable description of the configuration.
func (c *Config) String() string {
	user := c.User
	if user == "" {
		user = defaultUser
	}
	return fmt.Sprintf("%s (%s, %s@%s:%d)", c.Name, c.GetType(), user, c.Host, c.GetPort())
}
