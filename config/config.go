// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/owasp-amass/trafgen/generator"
	"github.com/owasp-amass/trafgen/types"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "TRAFGEN_"

// TrafGenConfig holds the settings of a traffic generation run.
type TrafGenConfig struct {
	// Targets are the servers queries are sent to, in rotation order.
	Targets []string `koanf:"targets" validate:"required,min=1,dive,target"`

	Protocol string `koanf:"protocol" validate:"required,oneof=udp tcp quic doh dot"`

	// Family restricts sockets to "inet" or "inet6".
	Family string `koanf:"family" validate:"omitempty,oneof=inet inet6 any"`
	BindIP string `koanf:"bind_ip" validate:"omitempty,ip"`

	// Port is used for targets that do not carry one. Zero selects the
	// default port of the protocol.
	Port int `koanf:"port" validate:"gte=0,lte=65535"`

	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	SendDelay     time.Duration `koanf:"send_delay" validate:"gt=0"`
	BatchCount    int           `koanf:"batch_count" validate:"gte=1,lte=65536"`
	QPS           float64       `koanf:"qps" validate:"gte=0"`
	Burst         int           `koanf:"burst" validate:"gte=0"`
	Method        string        `koanf:"method" validate:"omitempty,oneof=POST GET post get"`
	Retries       int           `koanf:"retries" validate:"gte=0,lte=10"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"gte=0"`
	FinishGrace   time.Duration `koanf:"finish_grace" validate:"gte=0"`
	Concurrency   int           `koanf:"concurrency" validate:"gte=1,lte=1024"`
	Duration      time.Duration `koanf:"duration" validate:"gte=0"`

	Insecure   bool   `koanf:"insecure"`
	ServerName string `koanf:"server_name"`

	QName     string `koanf:"qname" validate:"required"`
	QType     string `koanf:"qtype" validate:"required"`
	Generator string `koanf:"generator" validate:"oneof=static randomlabel"`

	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	MetricsInterval time.Duration `koanf:"metrics_interval" validate:"gt=0"`
	// MetricsDB is the optional path of the snapshot database.
	MetricsDB string `koanf:"metrics_db"`
}

// DefaultConfig holds the values used for every setting not overridden.
var DefaultConfig = TrafGenConfig{
	Targets:         []string{"127.0.0.1"},
	Protocol:        "udp",
	Timeout:         3 * time.Second,
	SendDelay:       time.Millisecond,
	BatchCount:      10,
	Method:          "POST",
	SweepInterval:   500 * time.Millisecond,
	Concurrency:     1,
	QName:           "www.example.com",
	QType:           "A",
	Generator:       generator.KindStatic,
	Env:             "prod",
	LogLevel:        "info",
	MetricsInterval: 10 * time.Second,
}

// validTarget accepts an address with an optional port, a bracketed IPv6
// address, or an https URL.
func validTarget(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if s == "" {
		return false
	}
	if strings.Contains(s, "://") {
		_, err := types.NewTarget(s, types.DoH, 0)
		return err == nil
	}
	_, err := types.NewTarget(s, types.TCP, 0)
	return err == nil
}

// envLoader loads environment variables with the TRAFGEN_ prefix. Values
// holding spaces or commas become lists. It can be replaced in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			value = strings.TrimSpace(value)

			if key == "targets" && (strings.Contains(value, " ") || strings.Contains(value, ",")) {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}
			return key, value
		},
	}), nil)
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultConfig, "koanf"), nil)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("target", validTarget)
}

// Load builds the configuration from the defaults, the environment and then
// the provided overrides, keyed by koanf tag, and validates the result.
func Load(overrides map[string]any) (*TrafGenConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("error applying %s: %w", key, err)
		}
	}

	var cfg TrafGenConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	cfg.applyDerived()
	return &cfg, nil
}

// applyDerived fills the settings whose defaults depend on others.
func (c *TrafGenConfig) applyDerived() {
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = c.Timeout + time.Second
	}
	if c.FinishGrace == 0 {
		c.FinishGrace = c.Timeout
	}
	if c.Family == "any" {
		c.Family = ""
	}
	c.Method = strings.ToUpper(c.Method)
}

// ParsedProtocol returns the configured protocol.
func (c *TrafGenConfig) ParsedProtocol() (types.Protocol, error) {
	return types.ParseProtocol(c.Protocol)
}

// ParsedTargets resolves the configured targets for the protocol.
func (c *TrafGenConfig) ParsedTargets() ([]*types.Target, error) {
	proto, err := c.ParsedProtocol()
	if err != nil {
		return nil, err
	}
	return types.ParseTargets(c.Targets, proto, c.Port)
}
