package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Config holds the daemon configuration
type Config struct {
	// BindAddress is the address the HTTP server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// Ports lists explicit serial ports to manage. When empty the
	// PortGlobs patterns are scanned instead.
	Ports []string
	// PortGlobs are the device patterns scanned for modems
	PortGlobs []string
	// BaudRate is the baud rate for serial communication with the modems (e.g. 115200)
	BaudRate int
	// MaxModems caps the number of managed modems
	MaxModems int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code, shared by the fleet
	SimPIN string
	// MQTTBroker is the broker URL for event publishing; empty disables MQTT
	MQTTBroker string
	// MQTTClientID identifies this daemon to the broker
	MQTTClientID string
	// MQTTUser and MQTTPass are the broker credentials
	MQTTUser string
	MQTTPass string
	// MQTTPrefix is the topic prefix for published events
	MQTTPrefix string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.PortGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
		c.BaudRate = 115200
		c.MaxModems = 80
		c.LogLevel = "info"
		c.MQTTClientID = "modemctl"
		c.MQTTPrefix = "modemctl"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if ports := os.Getenv("SERIAL_PORTS"); ports != "" {
			c.Ports = splitList(ports)
		}

		if globs := os.Getenv("PORT_GLOBS"); globs != "" {
			c.PortGlobs = splitList(globs)
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if max := os.Getenv("MAX_MODEMS"); max != "" {
			if n, err := strconv.Atoi(max); err == nil {
				c.MaxModems = n
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}

		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MQTTClientID = id
		}

		if user := os.Getenv("MQTT_USER"); user != "" {
			c.MQTTUser = user
		}

		if pass := os.Getenv("MQTT_PASS"); pass != "" {
			c.MQTTPass = pass
		}

		if prefix := os.Getenv("MQTT_PREFIX"); prefix != "" {
			c.MQTTPrefix = prefix
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-ports":
				c.Ports = splitList(f.Value.String())
			case "port-globs":
				c.PortGlobs = splitList(f.Value.String())
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "max-modems":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.MaxModems = n
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			case "mqtt-client-id":
				c.MQTTClientID = f.Value.String()
			case "mqtt-user":
				c.MQTTUser = f.Value.String()
			case "mqtt-pass":
				c.MQTTPass = f.Value.String()
			case "mqtt-prefix":
				c.MQTTPrefix = f.Value.String()
			}

		})
		return nil
	}

}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
