package registry

import (
	"context"
	"encoding/json"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/util"
	"github.com/ValentinKolb/uStore/lib/kv"
)

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// StoreStats describes the content of one store. Sizes are the JSON encoded
// record sizes in bytes.
type StoreStats struct {
	Name       string `json:"name"`
	Records    int    `json:"records"`
	SizeBytes  int64  `json:"size_bytes"`
	AvgSize    int    `json:"avg_size"`
	MedianSize int    `json:"median_size"`
	P99Size    int    `json:"p99_size"`
}

// DatabaseStats describes a database and how its records spread over the stores.
type DatabaseStats struct {
	Name         string                 `json:"name"`
	Backend      db.BackendType         `json:"backend"`
	Version      int                    `json:"version"`
	Records      int                    `json:"records"`
	Stores       []StoreStats           `json:"stores"`
	Distribution util.DistributionStats `json:"distribution"`
	// Namespace is set for drivers on a kv.IStore
	Namespace *kv.Info `json:"namespace,omitempty"`
}

// Stats reads every store of d once.
func Stats(ctx context.Context, d db.IDriver) (*DatabaseStats, error) {
	cfg := d.Config()
	out := &DatabaseStats{Name: cfg.Name, Backend: d.Backend(), Version: cfg.Version}

	counts := make([]float64, 0, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		records, err := d.GetAll(ctx, sc.Name)
		if err != nil {
			return nil, err
		}
		histogram := util.NewSizeHistogram()
		for _, r := range records {
			raw, err := json.Marshal(r)
			if err != nil {
				return nil, db.Wrap(db.KindBackend, "encode record of "+sc.Name, err)
			}
			histogram.AddSample(len(raw))
		}
		out.Stores = append(out.Stores, StoreStats{
			Name:       sc.Name,
			Records:    len(records),
			SizeBytes:  histogram.Total(),
			AvgSize:    histogram.AverageSize(),
			MedianSize: histogram.Percentile(50),
			P99Size:    histogram.Percentile(99),
		})
		out.Records += len(records)
		counts = append(counts, float64(len(records)))
	}
	out.Distribution = util.NewDistributionStats(counts)

	if ns, ok := d.(interface{ Info() kv.Info }); ok {
		info := ns.Info()
		out.Namespace = &info
	}
	return out, nil
}
