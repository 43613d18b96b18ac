package app

import (
	"context"
	"errors"
	"fmt"

	"tramita/internal/config"
	"tramita/internal/repo"
)

// ResolveConfig returns the court id and config to operate under, seeding the
// database from tramita.yml (or the built-in defaults) on first use. A config
// file in the workspace always wins over the stored copy, so edits take
// effect without a reimport step.
func ResolveConfig(ctx context.Context, workspace, courtOverride string, r repo.Repo) (string, *config.Config, error) {
	if cfg, err := config.LoadOptional(workspace); err != nil {
		return "", nil, err
	} else if cfg != nil {
		courtID := cfg.Court.ID
		if courtOverride != "" {
			courtID = courtOverride
		}
		if err := r.UpsertEngineConfig(ctx, courtID, cfg); err != nil {
			return "", nil, fmt.Errorf("store config: %w", err)
		}
		return courtID, cfg, nil
	}

	courtID := courtOverride
	if courtID == "" {
		if id, cfg, err := r.SingleEngineConfig(ctx); err == nil {
			return id, cfg, nil
		}
		courtID = "tribunal-contas"
	}
	cfg, err := r.GetEngineConfig(ctx, courtID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(courtID)
		if err := r.UpsertEngineConfig(ctx, courtID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed config: %w", err)
		}
	}
	return courtID, cfg, nil
}
