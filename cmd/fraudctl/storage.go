package main

import (
	"context"
	"errors"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/server"
)

var errNoDatabase = errors.New("no database configured: set DATABASE_URL or MONGODB_URI")

// openDatabase opens the configured store and refuses the in-memory
// fallback, whose contents would vanish when the command exits.
func openDatabase(ctx context.Context, cfg *config.Config) (*server.Storage, error) {
	storage, err := server.OpenStorage(ctx, cfg, logging.New("warn", "text"))
	if err != nil {
		return nil, err
	}
	if !storage.Persistent() {
		_ = storage.Close()
		return nil, errNoDatabase
	}
	return storage, nil
}
