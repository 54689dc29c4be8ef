package balance

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/custodix/vaultcore/internal/model"
)

// InfluxRecorder writes balance snapshots as time-series points for
// dashboards and drift charts.
type InfluxRecorder struct {
	write api.WriteAPIBlocking
}

// NewInfluxRecorder creates a recorder writing to the given org and bucket.
func NewInfluxRecorder(client influxdb2.Client, org, bucket string) *InfluxRecorder {
	return &InfluxRecorder{write: client.WriteAPIBlocking(org, bucket)}
}

// Record implements SnapshotRecorder.
func (r *InfluxRecorder) Record(ctx context.Context, s *model.BalanceSnapshot) error {
	local, _ := s.LocalBalance.Float64()
	remote, _ := s.LedgerBalance.Float64()
	delta, _ := s.Delta().Float64()
	point := influxdb2.NewPoint(
		"vault_balance",
		map[string]string{"vault_id": s.VaultID.String()},
		map[string]interface{}{
			"local":  local,
			"ledger": remote,
			"delta":  delta,
		},
		s.CapturedAt,
	)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.write.WritePoint(ctx, point)
}
