package txn

import (
	"context"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("txn")

// Mode is the strategy the coordinator picked for a driver.
type Mode int

const (
	ModeNative     Mode = iota // the driver commits natively
	ModeSimulated              // snapshot/restore under the database lock
	ModeSequential             // no atomicity available, steps applied in order
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeSimulated:
		return "simulated"
	case ModeSequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// Coordinator executes batches against any driver with the strongest
// atomicity the driver allows.
type Coordinator struct{}

// NewCoordinator creates a coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// ModeFor returns the strategy used for d.
func (c *Coordinator) ModeFor(d db.IDriver) Mode {
	if d.SupportsFeature(db.FeatureNativeTransactions) {
		return ModeNative
	}
	if _, ok := d.(db.ISnapshotter); ok {
		return ModeSimulated
	}
	return ModeSequential
}

// Execute validates ops and applies them all or none. A failure is returned
// as *TxError wrapping db.ErrTransactionAborted.
func (c *Coordinator) Execute(ctx context.Context, d db.IDriver, ops []db.TransactionOperation) error {
	if len(ops) == 0 {
		return nil
	}
	cfg := d.Config()
	if err := Validate(cfg, ops); err != nil {
		return err
	}

	mode := c.ModeFor(d)
	Logger.Debugf("executing %d ops on %s (%s)", len(ops), cfg.Name, mode)

	switch mode {
	case ModeNative:
		return d.Transaction(ctx, ops)
	case ModeSimulated:
		return Simulate(ctx, d.(db.ISnapshotter), cfg, ops)
	default:
		return Run(ctx, d, cfg, ops)
	}
}
