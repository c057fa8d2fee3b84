// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateServer(cfg, errs)
	v.validateLogs(cfg, errs)
	v.validateAgent(cfg, errs)
	v.validateExtensions(cfg, errs)
	v.validateLibrarian(cfg, errs)
	v.validateVoice(cfg, errs)
	v.validateSupervisor(cfg, errs)
	v.validateDurations(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs.Add("server.port", "must be between 0 and 65535")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		errs.Add("server.tls_cert", "tls_cert and tls_key must be set together")
	}
	if cfg.Server.TLSTailscale && cfg.Server.TLSCert != "" {
		errs.Add("server.tls_tailscale", "cannot combine with tls_cert/tls_key")
	}
}

func (v *Validator) validateLogs(cfg *Config, errs *ValidationError) {
	if cfg.Logs.GapMinutes < 0 {
		errs.Add("logs.gap_minutes", "must not be negative")
	}
	if cfg.Logs.MaxEntries < 1 {
		errs.Add("logs.max_entries", "must be at least 1")
	}
	if cfg.Logs.MaxBytes < 1 {
		errs.Add("logs.max_bytes", "must be at least 1")
	}
	if !strings.HasPrefix(cfg.Logs.Suffix, ".") {
		errs.Add("logs.suffix", "must start with a dot")
	}
}

func (v *Validator) validateAgent(cfg *Config, errs *ValidationError) {
	switch cfg.Agent.PermissionMode {
	case "", "default", "plan", "acceptEdits", "bypassPermissions":
	default:
		errs.Add("agent.permission_mode", "must be one of default, plan, acceptEdits, bypassPermissions")
	}
}

func (v *Validator) validateExtensions(cfg *Config, errs *ValidationError) {
	seen := make(map[string]bool)
	for i, ext := range cfg.Extensions {
		field := fmt.Sprintf("extensions[%d]", i)
		if ext.ID == "" {
			errs.Add(field+".id", "is required")
		}
		if seen[ext.ID] {
			errs.Add(field+".id", fmt.Sprintf("duplicate extension id %q", ext.ID))
		}
		seen[ext.ID] = true
		if ext.Command == "" {
			errs.Add(field+".command", "is required")
		}
		if ext.Path == "" {
			errs.Add(field+".path", "is required")
		}
	}
}

func (v *Validator) validateLibrarian(cfg *Config, errs *ValidationError) {
	if cfg.Librarian.MinEntries < 0 {
		errs.Add("librarian.min_entries", "must not be negative")
	}
	if cfg.Librarian.BatchSize < 1 {
		errs.Add("librarian.batch_size", "must be at least 1")
	}
}

func (v *Validator) validateVoice(cfg *Config, errs *ValidationError) {
	if !cfg.Voice.Enabled {
		return
	}
	if cfg.Voice.Endpoint == "" {
		errs.Add("voice.endpoint", "is required when voice is enabled")
	}
	if cfg.Voice.SampleRate < 8000 {
		errs.Add("voice.sample_rate", "must be at least 8000")
	}
}

func (v *Validator) validateSupervisor(cfg *Config, errs *ValidationError) {
	seen := make(map[string]bool)
	for i, svc := range cfg.Supervisor.Services {
		field := fmt.Sprintf("supervisor.services[%d]", i)
		if svc.Name == "" {
			errs.Add(field+".name", "is required")
		}
		if seen[svc.Name] {
			errs.Add(field+".name", fmt.Sprintf("duplicate service name %q", svc.Name))
		}
		seen[svc.Name] = true
		if svc.Command == "" {
			errs.Add(field+".command", "is required")
		}
		if svc.MaxRestarts < 0 {
			errs.Add(field+".max_restarts", "must not be negative")
		}
	}
}

func (v *Validator) validateDurations(cfg *Config, errs *ValidationError) {
	check := func(field, value string) {
		if value == "" {
			return
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs.Add(field, fmt.Sprintf("invalid duration %q", value))
		}
	}

	check("logs.debounce", cfg.Logs.Debounce)
	check("logs.poll_interval", cfg.Logs.PollInterval)
	check("agent.stale_after", cfg.Agent.StaleAfter)
	check("librarian.interval", cfg.Librarian.Interval)
	check("librarian.reply_timeout", cfg.Librarian.ReplyTimeout)
	for i, ext := range cfg.Extensions {
		check(fmt.Sprintf("extensions[%d].max_backoff", i), ext.MaxBackoff)
	}
	for i, svc := range cfg.Supervisor.Services {
		check(fmt.Sprintf("supervisor.services[%d].restart_delay", i), svc.RestartDelay)
		check(fmt.Sprintf("supervisor.services[%d].max_backoff", i), svc.MaxBackoff)
	}
}
