package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors struct {
	Problems []string
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// HasErrors returns true if any validation errors exist.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		fmt.Fprintf(&sb, "  - %s\n", p)
	}
	return sb.String()
}

func (e *ValidationErrors) err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Validate checks the backend configuration.
func (c *ServerConfig) Validate() error {
	errs := &ValidationErrors{}

	checkListen(errs, "session.listen", c.Session.Listen)
	if c.Session.IOTimeout <= 0 {
		errs.add("session.io_timeout must be positive")
	}
	if c.Session.RateLimit <= 0 {
		errs.add("session.rate_limit must be positive")
	}
	if c.Session.RateBurst < 1 {
		errs.add("session.rate_burst must be >= 1")
	}
	if c.HTTP.Enabled {
		checkListen(errs, "http.listen", c.HTTP.Listen)
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs.add("storage.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		errs.add("storage.driver %q is not one of %s, %s", c.Storage.Driver, DriverSQLite, DriverMemory)
	}

	if c.Presence.Timeout <= 0 {
		errs.add("presence.timeout must be positive")
	}
	if c.Messages.Lifetime < time.Second {
		errs.add("messages.lifetime must be at least 1s")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs.add("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			errs.add("mqtt.topic_prefix %q is not a valid topic prefix", c.MQTT.TopicPrefix)
		}
		if c.MQTT.RetryDelay <= 0 {
			errs.add("mqtt.retry_delay must be positive")
		}
	}
	checkLogging(errs, c.Logging)

	return errs.err()
}

// Validate checks the device configuration.
func (c *DeviceConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.Address == "" {
		if !c.Discovery.Enabled {
			errs.add("server.address is required when discovery is disabled")
		}
	} else if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		errs.add("server.address %q: %v", c.Server.Address, err)
	}
	if c.Server.IOTimeout <= 0 {
		errs.add("server.io_timeout must be positive")
	}
	if c.Server.FetchInterval <= 0 {
		errs.add("server.fetch_interval must be positive")
	}
	if c.Server.ReconnectDelay < 0 {
		errs.add("server.reconnect_delay must not be negative")
	}
	if c.Display.Duration <= 0 {
		errs.add("display.duration must be positive")
	}
	if c.Display.PriorityDuration <= 0 {
		errs.add("display.priority_duration must be positive")
	}

	switch c.Panel.Driver {
	case PanelLog:
	case PanelSerial:
		if c.Panel.Port == "" {
			errs.add("panel.port is required for the serial driver")
		}
		if c.Panel.BaudRate <= 0 {
			errs.add("panel.baud_rate must be positive")
		}
	default:
		errs.add("panel.driver %q is not one of %s, %s", c.Panel.Driver, PanelLog, PanelSerial)
	}
	checkLogging(errs, c.Logging)

	return errs.err()
}

func checkListen(errs *ValidationErrors, key, addr string) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		errs.add("%s %q: %v", key, addr, err)
	}
}

func checkLogging(errs *ValidationErrors, l LoggingConfig) {
	if _, err := ParseLevel(l.Level); err != nil {
		errs.add("logging.level: %v", err)
	}
	switch l.Format {
	case "text", "json":
	default:
		errs.add("logging.format %q is not one of text, json", l.Format)
	}
}
