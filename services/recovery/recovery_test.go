package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/services/testutil"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRecoverAttachesExactlyOneMonitorPerInFlightRecord(t *testing.T) {
	db := testutil.NewTestDB(t, &transaction.Record{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	client := &testutil.FakeSettlement{}
	cfg := config.Default()
	cfg.Settlement.ConfirmationTimeout = time.Minute

	monitor := transaction.NewMonitor(client, cfg.Settlement)
	t.Cleanup(monitor.Stop)

	m := transaction.NewManager(transaction.ManagerParams{
		DB: db, Node: node, Config: cfg, Client: client, Monitor: monitor,
	})

	raw, err := transaction.EncodePayload(transaction.DepositPayload{CampaignID: "cmp-1", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	const n = 25
	for i := 0; i < n; i++ {
		h := fmt.Sprintf("0x%03d", i)
		require.NoError(t, db.Create(&transaction.Record{
			ID: fmt.Sprintf("sub-%d", i), Type: transaction.TypeDeposit, Status: transaction.StatusSubmitted,
			SettlementHandle: &h, MaxRetries: 3, Payload: raw,
		}).Error)
	}

	confirmed := "0xdone"
	require.NoError(t, db.Create(&transaction.Record{
		ID: "done", Type: transaction.TypeDeposit, Status: transaction.StatusConfirmed,
		SettlementHandle: &confirmed, MaxRetries: 3, Payload: raw,
	}).Error)
	require.NoError(t, db.Create(&transaction.Record{
		ID: "no-handle", Type: transaction.TypeDeposit, Status: transaction.StatusPending,
		MaxRetries: 3, Payload: raw,
	}).Error)

	p := NewProcessor(m)

	attached, err := p.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, n, attached)
	require.Equal(t, n, monitor.Watching())
	require.Zero(t, client.SubmissionCount())

	// a second pass finds every handle already watched
	attached, err = p.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, attached)
	require.Equal(t, n, monitor.Watching())
}
