package ledger

import (
	"context"
	"fmt"
	"testing"

	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

func TestAppendBuildsChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Append(ctx, nil, AppendParams{
		CampaignID: "cmp-1", Type: EntryRewardAccrued, Amount: decimal.RequireFromString("0.05"), ReferenceID: "evt-1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Sequence)
	require.Empty(t, first.PreviousHash)
	require.Equal(t, first.GenerateHash(), first.Hash)

	second, err := svc.Append(ctx, nil, AppendParams{
		CampaignID: "cmp-1", Type: EntryPayoutSettled, Amount: decimal.RequireFromString("0.05"), ReferenceID: "tx-1",
		Metadata: map[string]any{"recipients": 2},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Sequence)
	require.Equal(t, first.Hash, second.PreviousHash)

	// other campaigns keep their own chain
	other, err := svc.Append(ctx, nil, AppendParams{
		CampaignID: "cmp-2", Type: EntryDepositConfirmed, Amount: decimal.NewFromInt(10), ReferenceID: "tx-2",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, other.Sequence)

	res, err := svc.VerifyChain(ctx, "cmp-1")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 2, res.Entries)
}

func TestAppendIsIdempotentByReference(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	params := AppendParams{CampaignID: "cmp-1", Type: EntryDepositConfirmed, Amount: decimal.NewFromInt(5), ReferenceID: "tx-9"}
	a, err := svc.Append(ctx, nil, params)
	require.NoError(t, err)
	b, err := svc.Append(ctx, nil, params)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	var count int64
	require.NoError(t, db.Model(&Entry{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	total, err := svc.Total(ctx, "cmp-1", EntryDepositConfirmed)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(5)))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := svc.Append(ctx, nil, AppendParams{
			CampaignID: "cmp-1", Type: EntryRewardAccrued, Amount: decimal.NewFromInt(1), ReferenceID: fmt.Sprintf("evt-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	require.NoError(t, db.Model(&Entry{}).Where("id = ?", ids[1]).UpdateColumn("amount", 999).Error)

	res, err := svc.VerifyChain(ctx, "cmp-1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ids[1], res.BrokenAt)
	require.Equal(t, "hash mismatch", res.Reason)
}

func TestListPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, nil, AppendParams{
			CampaignID: "cmp-1", Type: EntryRewardAccrued, Amount: decimal.NewFromInt(1), ReferenceID: fmt.Sprintf("evt-%d", i),
		})
		require.NoError(t, err)
	}

	page, info, err := svc.List(ctx, "cmp-1", pagination.Pagination{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, info.HasMore)

	rest, info, err := svc.List(ctx, "cmp-1", pagination.Pagination{Limit: 3, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, info.HasMore)
}
