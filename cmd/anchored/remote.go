package main

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/dwaynemcyrus/anchored"
	"github.com/dwaynemcyrus/anchored/internal/remote/postgres"
	"github.com/dwaynemcyrus/anchored/internal/remote/rest"
)

// newRemote builds the adapter cfg.Remote names. Memory and offline
// configs return a nil remote; the client handles those itself.
func newRemote(ctx context.Context, cfg anchored.Config, logger *log.Logger) (anchored.Remote, func(), error) {
	switch cfg.Remote {
	case anchored.RemotePostgres:
		r, err := postgres.New(ctx, postgres.Options{
			DSN:    cfg.RemoteURL,
			UserID: cfg.UserID,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case anchored.RemoteREST:
		return rest.NewClient(cfg.RemoteURL, cfg.APIKey, cfg.UserID).WithLogger(logger), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}
