// migrator applies the db/migrations set. Split out of the server so deploys
// can run schema changes before rolling pods.
package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/eduvision/ev-presence/internal/config"
)

func main() {
	up := flag.Bool("up", false, "apply all pending migrations")
	down := flag.Bool("down", false, "roll back all migrations")
	steps := flag.Int("steps", 0, "apply +/- N migrations")
	source := flag.String("source", "file://db/migrations", "migration source URL")
	flag.Parse()

	cfg, err := config.Load("config/default.yaml")
	if err != nil {
		log.Fatalf("[Migrator] config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("[Migrator] connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrator] ping: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("[Migrator] driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("[Migrator] init: %v", err)
	}

	start := time.Now()
	switch {
	case *up:
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[Migrator] up: %v", err)
		}
		log.Printf("[Migrator] up complete in %v", time.Since(start))
	case *down:
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[Migrator] down: %v", err)
		}
		log.Printf("[Migrator] down complete in %v", time.Since(start))
	case *steps != 0:
		if err := m.Steps(*steps); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("[Migrator] steps: %v", err)
		}
		log.Printf("[Migrator] %+d steps complete in %v", *steps, time.Since(start))
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("[Migrator] no version recorded (empty database?)")
			return
		}
		log.Printf("[Migrator] current version %d, dirty=%v", version, dirty)
	}
}
