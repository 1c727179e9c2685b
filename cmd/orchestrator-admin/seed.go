package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/google/uuid"
)

// runSeedScope creates or updates a scope row. Jobs reference scopes by
// foreign key, so a scope must exist before any job can be created for it.
func runSeedScope(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("seed-scope", flag.ContinueOnError)
	id := fs.String("id", "", "scope ID (defaults to a new UUID)")
	name := fs.String("name", "", "human-readable scope name (required)")
	capOverride := fs.Int("cap", 0, "concurrency cap override (0 uses the platform default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}
	if *capOverride < 0 {
		return errors.New("-cap must not be negative")
	}

	scopeID := *id
	if scopeID == "" {
		scopeID = uuid.NewString()
	}

	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, db)

	var capValue any
	if *capOverride > 0 {
		capValue = *capOverride
	}

	const query = `
		INSERT INTO scopes (id, name, concurrency_cap)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, concurrency_cap = EXCLUDED.concurrency_cap`
	if _, err = db.ExecContext(ctx.Ctx, query, scopeID, *name, capValue); err != nil {
		return fmt.Errorf("seed scope: %w", err)
	}

	ctx.Logger.InfoContext(ctx.Ctx, "scope seeded",
		"scope_id", scopeID,
		"name", *name,
		"concurrency_cap", capValue,
	)
	return nil
}
