package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"edithistory/internal/store"
)

func (a *app) cmdMigrate(args []string) error {
	if len(args) < 1 {
		return errUsage
	}

	switch args[0] {
	case "status":
		return a.migrationStatus()
	case "down":
		// The current version must be named so a rollback is never implicit.
		if len(args) < 2 {
			return fmt.Errorf("migrate down needs the current schema version: %w", errUsage)
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		return a.migrateDown(version)
	default:
		return fmt.Errorf("unknown migrate command %q: %w", args[0], errUsage)
	}
}

func (a *app) migrationStatus() error {
	status, err := store.GetMigrationStatus(a.store.DB())
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(status)
	}

	fmt.Printf("Schema version: %d of %d\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Printf("  v%-3d applied  %s  %s\n", m.Version, m.AppliedAt.Local().Format(time.DateTime), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Printf("  v%-3d pending  %s\n", m.Version, m.Description)
	}
	return nil
}

func (a *app) migrateDown(version int) error {
	status, err := store.GetMigrationStatus(a.store.DB())
	if err != nil {
		return err
	}
	if version != status.CurrentVersion {
		return fmt.Errorf("schema is at version %d, not %d", status.CurrentVersion, version)
	}

	if err := store.RollbackMigration(a.store.DB()); err != nil {
		return err
	}
	a.log.Warn("schema migration rolled back", slog.Int("version", version))
	fmt.Printf("Rolled back schema version %d\n", version)
	return nil
}
