package main

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/intersection.control/internal/api"
	"github.com/banshee-data/intersection.control/internal/config"
	"github.com/banshee-data/intersection.control/internal/db"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/mongostore"
)

// storeSet holds the audit store behind each interface the daemon wires.
// Every field is nil when the store is disabled.
type storeSet struct {
	recorder engine.Recorder
	reader   api.Store
	lister   engine.IntersectionLister
	// sqlite is set only for the SQLite backend, which carries admin routes.
	sqlite *db.DB
	close  func()
}

func (s storeSet) Close() {
	if s.close != nil {
		s.close()
	}
}

func openStore(ctx context.Context, cfg *config.EngineConfig) (storeSet, error) {
	switch kind := cfg.GetStore(); kind {
	case "sqlite":
		d, err := db.NewDB(cfg.GetSQLitePath())
		if err != nil {
			return storeSet{}, fmt.Errorf("failed to open database %s: %w", cfg.GetSQLitePath(), err)
		}
		return storeSet{
			recorder: d,
			reader:   d,
			lister:   d,
			sqlite:   d,
			close:    func() { d.Close() },
		}, nil

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		m, err := mongostore.Connect(connectCtx, cfg.GetMongoURI(), cfg.GetMongoDatabase())
		if err != nil {
			return storeSet{}, err
		}
		return storeSet{
			recorder: m,
			reader:   m,
			lister:   m,
			close: func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := m.Close(closeCtx); err != nil {
					log.WithError(err).Warn("failed to disconnect from MongoDB")
				}
			},
		}, nil

	case "none":
		log.Warn("no store configured, audit trail and query endpoints disabled")
		return storeSet{}, nil

	default:
		return storeSet{}, fmt.Errorf("unknown store %q", kind)
	}
}
