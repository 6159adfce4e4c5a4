package config

import (
	"fmt"
	"net/mail"
)

// GlobalNotifyKey is the reserved study name in the notify table whose
// recipients receive errors from every study.
const GlobalNotifyKey = "__global__"

// Config holds all configuration for the Lochness daemon, loaded from a
// single YAML file.
type Config struct {
	// KeyringFile is the path to the encrypted credential store
	KeyringFile string `koanf:"keyring_file"`

	// PhoenixRoot is the root of the PHOENIX output hierarchy
	PhoenixRoot string `koanf:"phoenix_root"`

	// Stdout and Stderr optionally redirect the process output streams
	Stdout string `koanf:"stdout"`
	Stderr string `koanf:"stderr"`

	// PollInterval is the polling frequency for external sources, in seconds
	PollInterval int `koanf:"poll_interval"`

	// Beiwe holds settings for the Beiwe mobile-sensing source
	Beiwe BeiweConfig `koanf:"beiwe"`

	// Dropbox maps account names to per-account settings.
	// Populated manually by the loader: the delete_on_success flag is
	// coerced leniently, any non-boolean value reads as false.
	Dropbox map[string]DropboxAccount `koanf:"-"`

	// Redcap maps study names to per-study REDCap settings
	Redcap map[string]RedcapStudy `koanf:"redcap"`

	// Admins are notified on all errors
	Admins []string `koanf:"admins"`

	// Notify maps a study name to its error recipients.
	// The reserved key "__global__" receives every study's errors.
	Notify map[string][]string `koanf:"notify"`

	// Sender is the From: address for outgoing notifications
	Sender string `koanf:"sender"`

	// SSHUser and SSHHost identify the destination for manual transfer
	SSHUser string `koanf:"ssh_user"`
	SSHHost string `koanf:"ssh_host"`
}

// BeiweConfig holds settings for the Beiwe source.
type BeiweConfig struct {
	// BackfillStart is either an absolute timestamp (parsed leniently) or
	// the literal "consent", which defers to the per-subject consent date
	// from study metadata.
	BackfillStart string `koanf:"backfill_start"`
}

// DropboxAccount holds per-account Dropbox settings.
type DropboxAccount struct {
	// DeleteOnSuccess removes the remote file after a verified local save
	DeleteOnSuccess bool `koanf:"delete_on_success"`

	// Base is the remote search root for this account
	Base string `koanf:"base"`
}

// RedcapStudy holds per-study REDCap settings.
type RedcapStudy struct {
	// Deidentify strips identifying fields before storage
	Deidentify bool `koanf:"deidentify"`

	// ExtraFields are additional field names removed during
	// de-identification, on top of the built-in deny list
	ExtraFields []string `koanf:"extra_fields"`
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.PhoenixRoot == "" {
		return NewConfigError("phoenix_root must not be empty")
	}

	if c.KeyringFile == "" {
		return NewConfigError("keyring_file must not be empty")
	}

	if c.PollInterval < 1 {
		return NewConfigError("poll_interval must be at least 1 second")
	}

	if c.Sender != "" {
		if _, err := mail.ParseAddress(c.Sender); err != nil {
			return NewConfigError(fmt.Sprintf("sender is not a valid email address: %q", c.Sender))
		}
	}

	for i, addr := range c.Admins {
		if _, err := mail.ParseAddress(addr); err != nil {
			return NewConfigError(fmt.Sprintf("admins[%d] is not a valid email address: %q", i, addr))
		}
	}

	for study, recipients := range c.Notify {
		if study == "" {
			return NewConfigError("notify contains an empty study name")
		}
		for i, addr := range recipients {
			if _, err := mail.ParseAddress(addr); err != nil {
				return NewConfigError(fmt.Sprintf("notify.%s[%d] is not a valid email address: %q", study, i, addr))
			}
		}
	}

	if (c.SSHUser == "") != (c.SSHHost == "") {
		return NewConfigError("ssh_user and ssh_host must be set together")
	}

	return nil
}

// Recipients returns the full recipient set for a study's errors:
// admins, the study's notify list, and the global notify list.
// Duplicates are removed, order is first-seen.
func (c *Config) Recipients(study string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addrs []string) {
		for _, a := range addrs {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	add(c.Admins)
	add(c.Notify[study])
	add(c.Notify[GlobalNotifyKey])
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
