package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func strPtr(s string) *string {
	return &s
}

func newTestLedger() (*Ledger, *fakeStorage) {
	storage := newFakeStorage()
	return NewLedger(storage, nil, nil, nil), storage
}

func supplyRequest(quantity, unitCost string, entryDate time.Time) RecordRequest {
	return RecordRequest{
		MovementType: MovementSupply,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec(quantity),
		UnitPrice:    decPtr(unitCost),
		EntryDate:    entryDate,
	}
}

var (
	day1 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
)

func TestRecordSupplyCreatesLot(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	entry, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, MovementSupply, entry.MovementType)

	lots, err := storage.ListLotsBySourceEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.Equal(dec("10")))
	assert.True(t, lots[0].UnitCost.Equal(dec("1.000")))
	assert.True(t, lots[0].PurchaseDate.Equal(day1))

	events, err := storage.ListEvents(ctx, "store-001", "item-001", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventLotCreated, events[0].Type)
}

func TestRecordSaleConsumesFIFO(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, supplyRequest("5", "1.500", day2))
	require.NoError(t, err)

	sale, err := ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("12"),
		UnitPrice:    decPtr("2.000"),
		EntryDate:    day3,
	})
	require.NoError(t, err)

	// 古いロットから順に引当: 10 + 2
	records, err := storage.ListConsumptionsByEntry(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Sequence)
	assert.True(t, records[0].Quantity.Equal(dec("10")))
	assert.True(t, records[0].UnitCost.Equal(dec("1.000")))
	assert.Equal(t, 2, records[1].Sequence)
	assert.True(t, records[1].Quantity.Equal(dec("2")))
	assert.True(t, records[1].UnitCost.Equal(dec("1.500")))

	total, lots, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("3")))
	require.Len(t, lots, 1)
	assert.True(t, lots[0].UnitCost.Equal(dec("1.500")))
}

func TestRecordSaleInsufficientLeavesNoWrites(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("20"),
		EntryDate:    day2,
	})
	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(dec("10")))
	assert.True(t, insufficient.Requested.Equal(dec("20")))

	// 不足時は一切の書き込みを残さない
	assert.Len(t, storage.entries, 1)
	assert.Empty(t, storage.consumptions)
	total, _, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("10")))
}

func TestRecordRejectsDirectTransferIn(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Record(context.Background(), RecordRequest{
		MovementType: MovementTransferIn,
		LocationID:   "store-002",
		ItemID:       "item-001",
		Quantity:     dec("5"),
		EntryDate:    day1,
	})
	assert.ErrorIs(t, err, ErrDirectTransferIn)
}

func TestRecordTransferOutDirectionRules(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	// 移動先なし
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementTransferOut,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("5"),
		EntryDate:    day2,
		BatchID:      strPtr(NewBatchID()),
	})
	var transferErr *TransferValidationError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "missing_destination", transferErr.Rule)

	// 移動元と移動先が同じ
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementTransferOut,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("5"),
		EntryDate:    day2,
		BatchID:      strPtr(NewBatchID()),
		ToLocationID: strPtr("store-001"),
	})
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "same_location", transferErr.Rule)

	// 販売に移動先は指定できない
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("5"),
		EntryDate:    day2,
		ToLocationID: strPtr("store-002"),
	})
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "unexpected_destination", transferErr.Rule)
}

func TestRecordTransferOutWeightedUnitPrice(t *testing.T) {
	ledger, _ := newTestLedger()
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

	// 引当原価の加重平均: (10*1.000 + 2*1.500) / 12 = 1.083333
	require.NotNil(t, out.UnitPrice)
	assert.Equal(t, "1.083333", out.UnitPrice.String())
}

func TestDeleteSaleRestoresLots(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, supplyRequest("5", "1.500", day2))
	require.NoError(t, err)

	sale, err := ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("12"),
		EntryDate:    day3,
	})
	require.NoError(t, err)

	require.NoError(t, ledger.Delete(ctx, sale.ID))

	// 引当元ロットが正確に復元される
	total, lots, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("15")))
	require.Len(t, lots, 2)
	assert.True(t, lots[0].RemainingQuantity.Equal(dec("10")))
	assert.True(t, lots[1].RemainingQuantity.Equal(dec("5")))

	_, err = storage.GetEntry(ctx, sale.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	records, err := storage.ListConsumptionsByEntry(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, records)

	events, err := storage.ListEvents(ctx, "store-001", "item-001", 100)
	require.NoError(t, err)
	var restored int
	for _, e := range events {
		if e.Type == EventLotRestored {
			restored++
		}
	}
	assert.Equal(t, 2, restored)
}

func TestDeleteSupplyBlockedAfterConsumption(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	supply, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("4"),
		EntryDate:    day2,
	})
	require.NoError(t, err)

	err = ledger.Delete(ctx, supply.ID)
	var blocked *ConsumptionBlocksDeletionError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, supply.ID, blocked.EntryID)
	assert.True(t, blocked.Consumed.Equal(dec("4")))
	assert.True(t, blocked.Supplied.Equal(dec("10")))
}

func TestDeleteSupplyUntouched(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	supply, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	require.NoError(t, ledger.Delete(ctx, supply.ID))

	total, lots, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	assert.Empty(t, lots)

	_, err = storage.GetEntry(ctx, supply.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDeleteLegacyEntryCreatesRecoveryLot(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	// 消費記録を持たない旧データを直接投入
	legacy := &LedgerEntry{
		ID:           NewEntryID(),
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("6"),
		UnitPrice:    decPtr("1.250"),
		EntryDate:    day1,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, storage.CreateEntry(ctx, legacy))

	require.NoError(t, ledger.Delete(ctx, legacy.ID))

	// エントリ自身の単価で回復ロットが作成される
	total, lots, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("6")))
	require.Len(t, lots, 1)
	assert.True(t, lots[0].UnitCost.Equal(dec("1.250")))
	assert.True(t, lots[0].PurchaseDate.Equal(day1))

	// 回復ロットは削除済みエントリへの参照を持たない
	assert.Empty(t, lots[0].SourceEntryID)
	_, err = storage.GetEntry(ctx, legacy.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDeleteUnknownEntry(t *testing.T) {
	ledger, _ := newTestLedger()
	err := ledger.Delete(context.Background(), "no-such-entry")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestAvailableQuantityAtReplaysHistory(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("4"),
		EntryDate:    day2,
	})
	require.NoError(t, err)
	_, err = ledger.Record(ctx, supplyRequest("5", "1.500", day3))
	require.NoError(t, err)

	// 1日目時点: 仕入のみ
	total, lots, err := ledger.AvailableQuantityAt(ctx, "store-001", "item-001", day1)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("10")))
	require.Len(t, lots, 1)

	// 2日目時点: 販売4を反映
	total, lots, err = ledger.AvailableQuantityAt(ctx, "store-001", "item-001", day2)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("6")))
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.Equal(dec("6")))

	// 3日目時点: 2つ目の仕入を含む
	total, lots, err = ledger.AvailableQuantityAt(ctx, "store-001", "item-001", day3)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("11")))
	require.Len(t, lots, 2)
	assert.True(t, lots[1].UnitCost.Equal(dec("1.500")))
}

func TestAvailableQuantityAtDoesNotTouchLiveLots(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	supply, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementSale,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("3"),
		EntryDate:    day2,
	})
	require.NoError(t, err)

	_, _, err = ledger.AvailableQuantityAt(ctx, "store-001", "item-001", day3)
	require.NoError(t, err)

	// リプレイは実ロット行に影響しない
	lots, err := storage.ListLotsBySourceEntry(ctx, supply.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.Equal(dec("7")))
}

func TestRecordCapturesActorFromContext(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := WithActor(context.Background(), "tanaka")

	entry, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)
	assert.Equal(t, "tanaka", entry.CreatedBy)

	entry, err = ledger.Record(context.Background(), supplyRequest("5", "1.500", day2))
	require.NoError(t, err)
	assert.Equal(t, "system", entry.CreatedBy)
}

func TestRecordValidatesQuantityScale(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Record(context.Background(), RecordRequest{
		MovementType: MovementSupply,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("1.0005"), // 小数3桁を超える
		UnitPrice:    decPtr("1.000"),
		EntryDate:    day1,
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "quantity", validation.Field)
}

func TestRecordSupplyRequiresUnitPrice(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Record(context.Background(), RecordRequest{
		MovementType: MovementSupply,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("10"),
		EntryDate:    day1,
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "unit_price", validation.Field)
}

func TestWasteConsumesAndEmitsWasteEvent(t *testing.T) {
	ledger, storage := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Record(ctx, supplyRequest("10", "1.000", day1))
	require.NoError(t, err)

	_, err = ledger.Record(ctx, RecordRequest{
		MovementType: MovementWaste,
		LocationID:   "store-001",
		ItemID:       "item-001",
		Quantity:     dec("2"),
		EntryDate:    day2,
		Notes:        "賞味期限切れ",
	})
	require.NoError(t, err)

	events, err := storage.ListEvents(ctx, "store-001", "item-001", 100)
	require.NoError(t, err)
	var wasteEvents int
	for _, e := range events {
		if e.Type == EventWasteRemoved {
			wasteEvents++
			assert.True(t, e.QuantityChange.Equal(dec("-2")))
		}
	}
	assert.Equal(t, 1, wasteEvents)

	total, _, err := ledger.AvailableQuantity(ctx, "store-001", "item-001")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("8")))
}
