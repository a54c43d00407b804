package app

import (
	"database/sql"

	"turnline/internal/bus"
	"turnline/internal/config"
	"turnline/internal/db"
	"turnline/internal/engine"
	"turnline/internal/migrate"
)

// Runtime bundles the wired components for one workspace: open database,
// applied migrations, notification bus, and orchestration engine.
type Runtime struct {
	DB     *sql.DB
	Bus    *bus.Bus
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares a workspace. A turnline.yml next to the workspace is used
// when present, otherwise the built-in catalog applies.
func Open(workspace string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	b := bus.New()
	return &Runtime{
		DB:     conn,
		Bus:    b,
		Config: cfg,
		Engine: engine.New(conn, cfg, b),
	}, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}
