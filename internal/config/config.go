// Package config parses the driver's ifdLogLevel/ifdDriverOptions
// property file with godotenv, the same key=value parser the rest of
// this codebase's ancestry uses for its own property files, and applies
// environment-variable overrides on top.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Option is one bit of the ifdDriverOptions bitfield.
type Option uint32

const (
	OptAllowEscapeExchange      Option = 1 << iota // allow IFD_GET_PROTOCOL_TYPES-style escape passthrough
	OptGemaltoTwinKeyAPDUHack                        // rewrite the twin-key APDU some Gemalto firmwares misparse
	OptAcceptBogusFirmwares                          // skip the firmware sanity checks that reject unknown bcdCCID
	OptDisablePINRetries                             // force single-attempt PIN entry
	OptResetOnClose                                   // power off the ICC when the last channel to it closes
)

// Voltage is the 2-bit power-up voltage selector.
type Voltage int

const (
	VoltageAuto Voltage = iota
	Voltage5V
	Voltage3V
	Voltage1_8V
)

// Config is the parsed property file plus environment overrides.
type Config struct {
	LogLevel string
	Options  Option
	Voltage  Voltage
}

const (
	keyLogLevel = "ifdLogLevel"
	keyOptions  = "ifdDriverOptions"
	keyVoltage  = "ifdDriverVoltage"
)

// Load reads path with godotenv, falling back to defaults for any key
// it does not contain, then lets environment variables of the same
// names override whatever the file set — the same precedence the
// reference property-file parser in this family of tools has always
// used.
func Load(path string) (*Config, error) {
	values := map[string]string{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			m, err := godotenv.Read(path)
			if err != nil {
				return nil, err
			}
			values = m
		}
	}
	for _, k := range []string{keyLogLevel, keyOptions, keyVoltage} {
		if v, ok := os.LookupEnv(k); ok {
			values[k] = v
		}
	}

	c := &Config{LogLevel: "info"}
	if v, ok := values[keyLogLevel]; ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := values[keyOptions]; ok {
		c.Options = parseOptions(v)
	}
	if v, ok := values[keyVoltage]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Voltage = Voltage(n & 0x3)
		}
	}
	return c, nil
}

// parseOptions accepts either a bare integer bitfield or a
// comma-separated list of option names, so the file stays readable by
// hand.
func parseOptions(v string) Option {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseUint(v, 0, 32); err == nil {
		return Option(n)
	}
	var out Option
	for _, name := range strings.Split(v, ",") {
		switch strings.TrimSpace(name) {
		case "allow-escape-exchange":
			out |= OptAllowEscapeExchange
		case "gemalto-twin-key-apdu-hack":
			out |= OptGemaltoTwinKeyAPDUHack
		case "accept-bogus-firmwares":
			out |= OptAcceptBogusFirmwares
		case "disable-pin-retries":
			out |= OptDisablePINRetries
		case "reset-on-close":
			out |= OptResetOnClose
		}
	}
	return out
}

// Has reports whether opt is set.
func (c *Config) Has(opt Option) bool { return c.Options&opt != 0 }
