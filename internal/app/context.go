package app

import (
	"fmt"

	"docrelay/internal/config"
	"docrelay/internal/ruleset"
)

// LoadEnvironment resolves the runtime configuration and style
// ruleset for a workspace. Missing files fall back to built-in
// defaults so a fresh workspace works without setup.
func LoadEnvironment(workspace string) (*config.Config, *ruleset.Ruleset, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	rules, err := ruleset.Load(cfg.Ruleset.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("load ruleset: %w", err)
	}
	return cfg, rules, nil
}
