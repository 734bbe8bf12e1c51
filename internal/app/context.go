package app

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/config"
	"crewline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and its effective config.
// The override wins, then a single-project database. Config comes from the
// DB, then crewline.yml in the workspace, then built-in defaults.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project or run 'cl project init'")
		}
		projectID = p.ID
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("project %q not found; run 'cl project init --id %s'", projectID, projectID)
		}
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return "", nil, err
		}
		if cfg == nil {
			cfg = config.Default(projectID)
		}
		if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
