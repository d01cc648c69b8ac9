package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contextline/internal/config"
	"contextline/internal/domain"
	"contextline/internal/repo"
)

// ResolveServiceConfig loads the persisted service config, seeding the
// default config and the root organization when the workspace is fresh.
func ResolveServiceConfig(ctx context.Context, serviceID string, r repo.Repo) (*config.Config, error) {
	if serviceID == "" {
		serviceID = "contextline"
	}
	seed := config.Default(serviceID)
	cfg, err := r.GetServiceConfig(ctx, serviceID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := r.UpsertServiceConfig(ctx, serviceID, seed); err != nil {
			return nil, fmt.Errorf("seed service config: %w", err)
		}
		cfg = seed
	}
	if err := EnsureRootOrg(ctx, r); err != nil {
		return nil, err
	}
	cfg.Service.ID = serviceID
	return cfg, nil
}

// EnsureRootOrg creates the root organization if the tree is empty.
func EnsureRootOrg(ctx context.Context, r repo.Repo) error {
	_, err := r.RootOrg(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	root := domain.Organization{
		ID:        uuid.NewString(),
		Name:      "Root",
		Slug:      "root",
		IsRoot:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertOrg(ctx, nil, root); err != nil {
		return fmt.Errorf("ensure root org: %w", err)
	}
	return nil
}
