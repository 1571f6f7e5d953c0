// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the ghostpass library.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	defaultBuildTimeout  = 30
	defaultInterval      = 1800
	defaultCheckInterval = 300
	defaultCooldown      = 60
	defaultMaxAttempts   = 3
	defaultThreshold     = 0.5

	defaultKDFIterations = 100000
	defaultSaltSize      = 16

	// MinKDFIterations is the smallest permitted PBKDF2 iteration count.
	MinKDFIterations = 100000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Circuit is the identity build configuration.
type Circuit struct {
	// BuildTimeoutSeconds bounds a single identity build attempt.
	BuildTimeoutSeconds int

	// HistorySize is the number of identity snapshots retained.
	HistorySize int
}

func (cCfg *Circuit) fixup() {
	if cCfg.BuildTimeoutSeconds == 0 {
		cCfg.BuildTimeoutSeconds = defaultBuildTimeout
	}
	if cCfg.HistorySize == 0 {
		cCfg.HistorySize = 10
	}
}

func (cCfg *Circuit) validate() error {
	if cCfg.BuildTimeoutSeconds < 0 {
		return fmt.Errorf("config: Circuit: BuildTimeoutSeconds %d is invalid", cCfg.BuildTimeoutSeconds)
	}
	if cCfg.HistorySize < 0 {
		return fmt.Errorf("config: Circuit: HistorySize %d is invalid", cCfg.HistorySize)
	}
	return nil
}

// Rotation is the identity rotation policy configuration.
type Rotation struct {
	// Mode selects the rotation policy, one of "manual", "interval",
	// "timed" or "performance".
	Mode string

	// IntervalSeconds is the fixed period between rotations in
	// "interval" mode.
	IntervalSeconds int

	// Schedule is the set of wall clock times ("HH:MM") at which a
	// rotation fires in "timed" mode.
	Schedule []string

	// PerformanceThreshold is the score below which "performance" mode
	// triggers a rotation, in (0, 1].
	PerformanceThreshold float64

	// MaxAttempts is the number of identity build attempts a single
	// rotation is permitted before giving up.
	MaxAttempts int

	// CooldownSeconds is the backoff applied between failed rotation
	// attempts, and the minimum spacing between performance triggered
	// rotations.
	CooldownSeconds int

	// CheckIntervalSeconds is the sampling period of "performance" mode.
	CheckIntervalSeconds int
}

func (rCfg *Rotation) fixup() {
	if rCfg.Mode == "" {
		rCfg.Mode = "manual"
	}
	rCfg.Mode = strings.ToLower(rCfg.Mode)
	if rCfg.IntervalSeconds == 0 {
		rCfg.IntervalSeconds = defaultInterval
	}
	if rCfg.PerformanceThreshold == 0 {
		rCfg.PerformanceThreshold = defaultThreshold
	}
	if rCfg.MaxAttempts == 0 {
		rCfg.MaxAttempts = defaultMaxAttempts
	}
	if rCfg.CooldownSeconds == 0 {
		rCfg.CooldownSeconds = defaultCooldown
	}
	if rCfg.CheckIntervalSeconds == 0 {
		rCfg.CheckIntervalSeconds = defaultCheckInterval
	}
}

func (rCfg *Rotation) validate() error {
	switch rCfg.Mode {
	case "manual", "interval", "timed", "performance":
	default:
		return fmt.Errorf("config: Rotation: Mode '%v' is invalid", rCfg.Mode)
	}
	if rCfg.IntervalSeconds < 0 {
		return fmt.Errorf("config: Rotation: IntervalSeconds %d is invalid", rCfg.IntervalSeconds)
	}
	if rCfg.Mode == "timed" && len(rCfg.Schedule) == 0 {
		return fmt.Errorf("config: Rotation: timed mode requires a Schedule")
	}
	for _, s := range rCfg.Schedule {
		if err := validateScheduleEntry(s); err != nil {
			return err
		}
	}
	if rCfg.PerformanceThreshold <= 0 || rCfg.PerformanceThreshold > 1 {
		return fmt.Errorf("config: Rotation: PerformanceThreshold %v is not in (0, 1]", rCfg.PerformanceThreshold)
	}
	if rCfg.MaxAttempts < 1 {
		return fmt.Errorf("config: Rotation: MaxAttempts %d is invalid", rCfg.MaxAttempts)
	}
	return nil
}

// validateScheduleEntry enforces strict "HH:MM" wall clock entries.
func validateScheduleEntry(s string) error {
	bad := func() error {
		return fmt.Errorf("config: Rotation: Schedule entry '%v' is not HH:MM", s)
	}
	if len(s) != 5 || s[2] != ':' {
		return bad()
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return bad()
		}
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	if hh > 23 || mm > 59 {
		return bad()
	}
	return nil
}

// Encryption is the key hierarchy configuration.
type Encryption struct {
	// KDFIterations is the PBKDF2 iteration count used for master key
	// derivation.  Values below MinKDFIterations are rejected.
	KDFIterations int

	// SaltSize is the size in bytes of generated master key salts.
	SaltSize int
}

func (eCfg *Encryption) fixup() {
	if eCfg.KDFIterations == 0 {
		eCfg.KDFIterations = defaultKDFIterations
	}
	if eCfg.SaltSize == 0 {
		eCfg.SaltSize = defaultSaltSize
	}
}

func (eCfg *Encryption) validate() error {
	if eCfg.KDFIterations < MinKDFIterations {
		return fmt.Errorf("config: Encryption: KDFIterations %d is below the minimum %d", eCfg.KDFIterations, MinKDFIterations)
	}
	if eCfg.SaltSize < 8 {
		return fmt.Errorf("config: Encryption: SaltSize %d is too small", eCfg.SaltSize)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// ScheduleCheckIntervalSeconds overrides the one minute wall clock
	// poll of the timed rotation policy.  Intended for testing.
	ScheduleCheckIntervalSeconds int
}

func (d *Debug) fixup() {
	if d.ScheduleCheckIntervalSeconds == 0 {
		d.ScheduleCheckIntervalSeconds = 60
	}
}

// Config is the top level ghostpass configuration.
type Config struct {
	Logging    *Logging
	Circuit    *Circuit
	Rotation   *Rotation
	Encryption *Encryption
	Debug      *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Circuit == nil {
		c.Circuit = new(Circuit)
	}
	if c.Rotation == nil {
		c.Rotation = new(Rotation)
	}
	if c.Encryption == nil {
		c.Encryption = new(Encryption)
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}
	c.Circuit.fixup()
	c.Rotation.fixup()
	c.Encryption.fixup()
	c.Debug.fixup()

	// Validate the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Circuit.validate(); err != nil {
		return err
	}
	if err := c.Rotation.validate(); err != nil {
		return err
	}
	if err := c.Encryption.validate(); err != nil {
		return err
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
