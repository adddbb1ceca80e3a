// Package migration runs versioned schema upgrades.
//
// Steps are registered per target version and run in ascending order when a
// driver is initialized with a higher DatabaseConfig.Version than it has
// persisted. Store creation and deletion are idempotent, so a step may be
// re-run after a failed upgrade.
//
// Example usage:
//
//	m := migration.New()
//	_ = m.Register(2, func(ctx context.Context, s db.ISchema) error {
//		return s.CreateStore(ctx, db.StoreConfig{Name: "audit", KeyPath: "id", AutoIncrement: true})
//	})
//	driver, err := reg.Register(ctx, cfg, db.BackendSQL, registry.WithUpgrade(m.UpgradeFunc(cfg)))
package migration
