package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/mdehoog/usbledger"
	"github.com/mdehoog/usbledger/hdpath"
	"github.com/mdehoog/usbledger/selector"
	"github.com/spf13/viper"
)

const (
	// CfgHDPath is the derivation template, {x} standing in for the account index.
	CfgHDPath = "hdpath"
	// CfgTimeout bounds how long a single exchange waits for the device.
	CfgTimeout = "timeout"
	// CfgBackend selects the USB access library, "hid" or "libusb".
	CfgBackend = "backend"
	// CfgPageSize is the number of accounts listed per selector page.
	CfgPageSize = "page-size"
	// CfgVerbosity is the log level, 0 (silent) to 5 (trace).
	CfgVerbosity = "verbosity"

	envPrefix = "LEDGERCTL"
)

const (
	backendHID    = "hid"
	backendLibUSB = "libusb"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(CfgHDPath, hdpath.DefaultBase)
	v.SetDefault(CfgTimeout, usbledger.DefaultExchangeTimeout)
	v.SetDefault(CfgBackend, backendHID)
	v.SetDefault(CfgPageSize, selector.DefaultPageSize)
	v.SetDefault(CfgVerbosity, 3)
}

// config is the resolved configuration of a command invocation.
type config struct {
	base      hdpath.BasePath
	timeout   time.Duration
	backend   string
	pageSize  uint32
	verbosity int
}

// loadConfig reads the optional config file and environment, then resolves
// every setting. Flags bound to viper take precedence.
func loadConfig(v *viper.Viper, file string) (*config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	base, err := hdpath.ParseBase(v.GetString(CfgHDPath))
	if err != nil {
		return nil, err
	}
	timeout := v.GetDuration(CfgTimeout)
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid %s: %v", CfgTimeout, timeout)
	}
	backend := strings.ToLower(v.GetString(CfgBackend))
	if backend != backendHID && backend != backendLibUSB {
		return nil, fmt.Errorf("unknown %s %q, expected %s or %s", CfgBackend, backend, backendHID, backendLibUSB)
	}
	pageSize := v.GetInt(CfgPageSize)
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid %s: %d", CfgPageSize, pageSize)
	}
	return &config{
		base:      base,
		timeout:   timeout,
		backend:   backend,
		pageSize:  uint32(pageSize),
		verbosity: v.GetInt(CfgVerbosity),
	}, nil
}

// setupLogging installs the terminal log handler at the configured level.
func setupLogging(verbosity int) {
	color := isatty.IsTerminal(os.Stderr.Fd())
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), color)
	log.SetDefault(log.NewLogger(handler))
}

// enumerator creates the device discovery backend.
func (c *config) enumerator() usbledger.Enumerator {
	if c.backend == backendLibUSB {
		return usbledger.NewLedgerUSBEnumerator()
	}
	return usbledger.NewLedgerHIDEnumerator()
}

// registry creates the session registry for the configured backend. The
// returned cleanup closes the device and the enumerator.
func (c *config) registry() (*usbledger.Registry, func()) {
	enumerator := c.enumerator()
	registry := usbledger.NewRegistry(usbledger.EnumeratorOpener(enumerator, usbledger.WithTimeout(c.timeout)))
	return registry, func() {
		if err := registry.Close(); err != nil {
			log.Warn("Failed to close Ledger", "err", err)
		}
		enumerator.Close()
	}
}
