package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransfer() (*Ledger, *TransferService, *fakeStorage) {
	storage := newFakeStorage()
	return NewLedger(storage, nil, nil, nil), NewTransferService(storage, nil, nil), storage
}

// recordTransferOut seeds two lots at the source and records a transfer-out
// spanning both of them.
func recordTransferOut(t *testing.T, ledger *Ledger) *LedgerEntry {
	t.Helper()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, supplyRequest("5", "1.500", day2))
	require.NoError(t, err)

	out, err := ledger.Record(ctx, RecordRequest{
		MovementType: MovementTransferOut,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("12"),
		EntryDate:    day3,
		BatchID:      strPtr(NewBatchID()),
		ToLocationID: strPtr("store-002"),
	})
	require.NoError(t, err)
	return out
}

func TestCompleteTransferCreatesLotPerSourceLot(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)

	op, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, op.Status)
	require.NotNil(t, op.InEntryID)
	require.NotNil(t, op.CompletedAt)

	inEntry, err := storage.GetEntry(ctx, *op.InEntryID)
	require.NoError(t, err)
	assert.Equal(t, MovementTransferIn, inEntry.MovementType)
	assert.Equal(t, "store-002", inEntry.LocationID)
	assert.True(t, inEntry.Quantity.Equal(dec("12")))
	require.NotNil(t, inEntry.FromLocationID)
	assert.Equal(t, "store-001", *inEntry.FromLocationID)

	// OUT⇔INが双方向にリンクされる
	require.NotNil(t, inEntry.RelatedEntryID)
	assert.Equal(t, out.ID, *inEntry.RelatedEntryID)
	outEntry, err := storage.GetEntry(ctx, out.ID)
	require.NoError(t, err)
	require.NotNil(t, outEntry.RelatedEntryID)
	assert.Equal(t, inEntry.ID, *outEntry.RelatedEntryID)

	// 消費記録ごとに1ロット、原価と仕入日をそのまま引き継ぐ
	lots, err := storage.ListLotsBySourceEntry(ctx, inEntry.ID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].UnitCost.Equal(dec("1.000")))
	assert.True(t, lots[0].OriginalQuantity.Equal(dec("10")))
	assert.True(t, lots[0].PurchaseDate.Equal(day1))
	assert.True(t, lots[1].UnitCost.Equal(dec("1.500")))
	assert.True(t, lots[1].OriginalQuantity.Equal(dec("2")))
	assert.True(t, lots[1].PurchaseDate.Equal(day2))

	total, _, err := ledger.AvailableQuantity(ctx, "store-002", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("12")))
}

func TestCompleteTransferIdempotent(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)

	first, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)

	second, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, second.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.InEntryID, *second.InEntryID)

	// 受領ロットが二重に作成されないこと
	lots, err := storage.ListLotsBySourceEntry(ctx, *first.InEntryID)
	require.NoError(t, err)
	assert.Len(t, lots, 2)
}

func TestCompleteTransferFailureSurvivesRollback(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)

	// 受領側のロット作成を失敗させる
	storage.failCreateLotAt = "store-002"

	_, err := transfers.Complete(ctx, out.ID)
	var opErr *OperationFailedError
	require.ErrorAs(t, err, &opErr)

	// 失敗状態はロールバック後も残る
	op, err := transfers.GetOperation(ctx, *out.BatchID)
	require.NoError(t, err)
	assert.Equal(t, TransferFailed, op.Status)
	assert.Nil(t, op.InEntryID)
	assert.NotEmpty(t, op.ErrorMessage)

	// 受領側には何も作成されない
	total, _, err := ledger.AvailableQuantity(ctx, "store-002", "item-001")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestCompleteTransferRetryAfterFailure(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)

	storage.failCreateLotAt = "store-002"
	_, err := transfers.Complete(ctx, out.ID)
	require.Error(t, err)

	// 障害解消後の再試行は成功する
	storage.failCreateLotAt = ""
	op, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, op.Status)
	assert.Empty(t, op.ErrorMessage)

	total, _, err := ledger.AvailableQuantity(ctx, "store-002", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("12")))
}

func TestCompleteTransferRejectsNonTransferOut(t *testing.T) {
	ledger, transfers, _ := newTestTransfer()
	ctx := context.Background()

	supply, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	_, err = transfers.Complete(ctx, supply.ID)
	var transferErr *TransferValidationError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "not_transfer_out", transferErr.Rule)
}

func TestCompleteTransferRejectsRolledBackBatch(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)

	op := &TransferOperation{
		ID:         NewRecordID(),
		BatchID:    *out.BatchID,
		Status:     TransferRolledBack,
		OutEntryID: out.ID,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, storage.CreateOperation(ctx, op))

	_, err := transfers.Complete(ctx, out.ID)
	var transferErr *TransferValidationError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "rolled_back", transferErr.Rule)
}

func TestCompleteTransferRejectsBatchReuse(t *testing.T) {
	ledger, transfers, _ := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)
	_, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)

	// 同一バッチで記録された別の出庫エントリは完了できない
	second, err := ledger.Record(ctx, RecordRequest{
		MovementType: MovementTransferOut,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("2"),
		EntryDate:    day3,
		BatchID:      out.BatchID,
		ToLocationID: strPtr("store-002"),
	})
	require.NoError(t, err)

	_, err = transfers.Complete(ctx, second.ID)
	var transferErr *TransferValidationError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "batch_conflict", transferErr.Rule)
}

func TestDeleteTransferOutCascadesToReceivingSide(t *testing.T) {
	ledger, transfers, storage := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)
	op, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)
	inEntryID := *op.InEntryID

	require.NoError(t, ledger.Delete(ctx, out.ID))

	// 受領側のエントリとロットが消える
	_, err = storage.GetEntry(ctx, inEntryID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	total, _, err := ledger.AvailableQuantity(ctx, "store-002", "item-001")
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	// 送付側のロットが復元される
	total, lots, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("15")))
	require.Len(t, lots, 2)

	// オペレーションは取消済みになり、削除済み出庫への参照は切り離される
	rolled, err := transfers.GetOperation(ctx, *out.BatchID)
	require.NoError(t, err)
	assert.Equal(t, TransferRolledBack, rolled.Status)
	assert.Nil(t, rolled.InEntryID)
	assert.Empty(t, rolled.OutEntryID)
}

func TestDeleteTransferInBlockedAfterDownstreamConsumption(t *testing.T) {
	ledger, transfers, _ := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)
	op, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)

	// 受領側で一部を販売してから削除を試みる
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-002",
		ItemID:       "item-001",
		Quantity:     dec("3"),
		EntryDate:    day3,
	})
	require.NoError(t, err)

	err = ledger.Delete(ctx, *op.InEntryID)
	var blocked *ConsumptionBlocksDeletionError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, blocked.Consumed.Equal(dec("3")))
	assert.True(t, blocked.Supplied.Equal(dec("12")))
}

func TestDeleteTransferOutBlockedByDownstreamConsumption(t *testing.T) {
	ledger, transfers, _ := newTestTransfer()
	ctx := context.Background()

	out := recordTransferOut(t, ledger)
	_, err := transfers.Complete(ctx, out.ID)
	require.NoError(t, err)

	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-002",
		ItemID:       "item-001",
		Quantity:     dec("1"),
		EntryDate:    day3,
	})
	require.NoError(t, err)

	// 連鎖削除は受領側の消費でブロックされ、全体がロールバックされる
	err = ledger.Delete(ctx, out.ID)
	var blocked *ConsumptionBlocksDeletionError
	require.ErrorAs(t, err, &blocked)

	// 送付側のロットは消費済みのまま
	total, _, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("3")))
}
