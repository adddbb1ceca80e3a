package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("migration")

// Step changes the schema from version-1 to version.
type Step func(ctx context.Context, schema db.ISchema) error

// Migrator holds the registered upgrade steps of one database.
type Migrator struct {
	mu    sync.Mutex
	steps map[int]Step
}

// New creates an empty migrator
func New() *Migrator {
	return &Migrator{steps: make(map[int]Step)}
}

// Register adds the step that upgrades to version. Versions start at 1 and
// every version can only be registered once.
func (m *Migrator) Register(version int, fn Step) error {
	if version < 1 {
		return db.Errorf(db.KindValidation, "migration version must be >= 1, got %d", version)
	}
	if fn == nil {
		return db.Errorf(db.KindValidation, "migration %d has no step", version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.steps[version]; exists {
		return db.Errorf(db.KindConflict, "migration %d already registered", version)
	}
	m.steps[version] = fn
	return nil
}

// Versions returns the registered versions in ascending order.
func (m *Migrator) Versions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.steps))
	for v := range m.steps {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Upgrade runs every registered step with oldVersion < v <= newVersion in
// ascending order and stops at the first failure.
func (m *Migrator) Upgrade(ctx context.Context, schema db.ISchema, oldVersion, newVersion int) error {
	for _, v := range m.Versions() {
		if v <= oldVersion || v > newVersion {
			continue
		}
		m.mu.Lock()
		step := m.steps[v]
		m.mu.Unlock()

		Logger.Infof("running migration %d (%d -> %d)", v, oldVersion, newVersion)
		if err := step(ctx, schema); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
	}
	return nil
}

// UpgradeFunc converts the migrator into the callback drivers run on
// Initialize. A fresh database (oldVersion 0) gets every store of cfg before
// the steps run. Without registered steps the configured stores are created
// on every upgrade.
func (m *Migrator) UpgradeFunc(cfg db.DatabaseConfig) db.UpgradeFunc {
	stores := cfg.Clone().Stores
	return func(ctx context.Context, schema db.ISchema, oldVersion, newVersion int) error {
		if oldVersion == 0 || len(m.Versions()) == 0 {
			if err := DefaultUpgrade(stores)(ctx, schema); err != nil {
				return err
			}
		}
		return m.Upgrade(ctx, schema, oldVersion, newVersion)
	}
}

// DefaultUpgrade returns a step that creates every given store.
func DefaultUpgrade(stores []db.StoreConfig) Step {
	return func(ctx context.Context, schema db.ISchema) error {
		for _, s := range stores {
			if err := schema.CreateStore(ctx, s); err != nil {
				return fmt.Errorf("create store %s: %w", s.Name, err)
			}
		}
		return nil
	}
}
