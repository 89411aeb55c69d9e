package migrations

import (
	_ "embed"

	"github.com/blocklens/blocklens/internal/db"
)

//go:embed 001_address_index.sql
var mig001 string

func RunMigrations(dbPath string) error {
	migrations := []db.Migration{
		{
			ID:  "001_address_index.sql",
			SQL: mig001,
		},
	}

	return db.RunMigrations(dbPath, migrations)
}
