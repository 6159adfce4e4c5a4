package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// defaultPollInterval is applied when poll_interval is absent from the
// config file. One day, matching the historical default.
const defaultPollInterval = 86400

// Load reads, parses and validates the Lochness configuration file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{
		PollInterval: defaultPollInterval,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Dropbox = parseDropboxAccounts(k)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// parseDropboxAccounts reads the dropbox section leniently. The
// delete_on_success flag historically tolerated junk values: anything
// that is not a boolean reads as false rather than failing the load.
func parseDropboxAccounts(k *koanf.Koanf) map[string]DropboxAccount {
	raw, ok := k.Get("dropbox").(map[string]interface{})
	if !ok {
		return nil
	}

	accounts := make(map[string]DropboxAccount, len(raw))
	for name, v := range raw {
		section, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		var acct DropboxAccount
		if b, ok := section["delete_on_success"].(bool); ok {
			acct.DeleteOnSuccess = b
		}
		if s, ok := section["base"].(string); ok {
			acct.Base = s
		}
		accounts[name] = acct
	}

	return accounts
}
