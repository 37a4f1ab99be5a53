package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger implements the LedgerManager interface
// LedgerManagerインターフェースの実装
type Ledger struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	metrics   *Metrics       // メトリクス
}

// インターフェースを実装することを明示
var _ LedgerManager = (*Ledger)(nil)

// NewLedger creates a new FIFO lot ledger
// 新しいFIFOロット台帳を作成
func NewLedger(storage Storage, publisher EventPublisher, logger *zap.Logger, metrics *Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Record records a ledger entry and applies its lot effects atomically.
// Supply creates a new lot; sale, waste and transfer-out consume lots in
// FIFO order. Transfer-in entries are created only by transfer completion.
// 台帳エントリを記録し、ロットへの影響を原子的に適用する。
// 仕入は新規ロットを作成し、販売・廃棄・移動出庫はFIFO順にロットを消費する。
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*LedgerEntry, error) {
	if err := ValidateRecordRequest(req); err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:           NewEntryID(),
		MovementType: req.MovementType,
		LocationID:   req.LocationID,
		ItemID:       req.ItemID,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		EntryDate:    req.EntryDate,
		BatchID:      req.BatchID,
		ToLocationID: req.ToLocationID,
		Notes:        req.Notes,
		CreatedAt:    time.Now(),
		CreatedBy:    l.actorFromContext(ctx),
	}

	var lotsTouched int
	err := l.storage.WithinTx(ctx, func(tx Storage) error {
		if req.MovementType == MovementSupply {
			return l.applySupply(ctx, tx, entry)
		}
		n, err := l.applyConsumption(ctx, tx, entry)
		lotsTouched = n
		return err
	})
	if err != nil {
		var insufficient *InsufficientInventoryError
		if errors.As(err, &insufficient) && l.metrics != nil {
			l.metrics.InsufficiencyRejections.Inc()
		}
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.EntriesRecorded.WithLabelValues(string(entry.MovementType)).Inc()
		if entry.MovementType.IsConsuming() {
			l.metrics.LotsPerConsumption.Observe(float64(lotsTouched))
		}
	}

	if l.publisher != nil {
		event := EntryRecordedEvent{
			EntryID:      entry.ID,
			MovementType: entry.MovementType,
			LocationID:   entry.LocationID,
			ItemID:       entry.ItemID,
			Quantity:     entry.Quantity,
			LotsTouched:  lotsTouched,
			Timestamp:    time.Now(),
		}
		if err := l.publisher.PublishEntryRecorded(ctx, event); err != nil {
			l.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	l.logger.Info("台帳エントリ記録完了",
		zap.String("entry_id", entry.ID),
		zap.String("movement_type", string(entry.MovementType)),
		zap.String("location_id", entry.LocationID),
		zap.String("item_id", entry.ItemID),
		zap.String("quantity", entry.Quantity.String()),
		zap.Int("lots_touched", lotsTouched),
	)

	return entry, nil
}

// applySupply persists a supply entry and its new lot
// 仕入エントリと新規ロットを永続化
func (l *Ledger) applySupply(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	if err := tx.CreateEntry(ctx, entry); err != nil {
		return NewStorageError("create_entry", "台帳エントリ作成に失敗しました", err)
	}

	lot := &InventoryLot{
		ID:                NewLotID(),
		LocationID:        entry.LocationID,
		ItemID:            entry.ItemID,
		PurchaseDate:      entry.EntryDate,
		UnitCost:          *entry.UnitPrice,
		OriginalQuantity:  entry.Quantity,
		RemainingQuantity: entry.Quantity,
		SourceEntryID:     entry.ID,
		CreatedAt:         time.Now(),
	}
	if err := tx.CreateLot(ctx, lot); err != nil {
		return NewStorageError("create_lot", "ロット作成に失敗しました", err)
	}

	return l.appendLotEvent(ctx, tx, EventLotCreated, entry, &lot.ID, entry.Quantity, lot.UnitCost, lot.RemainingQuantity)
}

// applyConsumption locks lots, plans the FIFO draws, then persists the entry
// first and the dependent rows second
// ロットをロックしてFIFO引当計画を構築し、エントリを先に、従属行を後に永続化
func (l *Ledger) applyConsumption(ctx context.Context, tx Storage, entry *LedgerEntry) (int, error) {
	// ロックはFIFO順で取得（仕入日、作成順序）
	lots, err := tx.LockLotsForConsumption(ctx, entry.LocationID, entry.ItemID)
	if err != nil {
		return 0, NewStorageError("lock_lots", "ロットのロック取得に失敗しました", err)
	}

	plan, err := BuildConsumptionPlan(entry.LocationID, entry.ItemID, lots, entry.Quantity)
	if err != nil {
		return 0, err
	}

	// 移動出庫の単価は引当原価の加重平均（最終除算時のみ丸め）
	if entry.MovementType == MovementTransferOut {
		weighted := plan.WeightedUnitCost()
		entry.UnitPrice = &weighted
	}

	// エントリを先に永続化し、従属行を後に永続化する
	if err := tx.CreateEntry(ctx, entry); err != nil {
		return 0, NewStorageError("create_entry", "台帳エントリ作成に失敗しました", err)
	}

	eventType := consumptionEventType(entry.MovementType)
	for i, draw := range plan.Draws {
		if err := tx.UpdateLotRemaining(ctx, draw.LotID, draw.RemainingAfter); err != nil {
			return 0, NewStorageError("update_lot", "ロット残数量更新に失敗しました", err)
		}

		record := &ConsumptionRecord{
			ID:        NewRecordID(),
			EntryID:   entry.ID,
			LotID:     draw.LotID,
			Sequence:  i + 1,
			Quantity:  draw.Quantity,
			UnitCost:  draw.UnitCost,
			CreatedAt: time.Now(),
		}
		if err := tx.CreateConsumption(ctx, record); err != nil {
			return 0, NewStorageError("create_consumption", "消費記録作成に失敗しました", err)
		}

		lotID := draw.LotID
		if err := l.appendLotEvent(ctx, tx, eventType, entry, &lotID, draw.Quantity.Neg(), draw.UnitCost, draw.RemainingAfter); err != nil {
			return 0, err
		}
	}

	return len(plan.Draws), nil
}

// Delete removes a ledger entry and compensates its lot effects atomically
// 台帳エントリを削除し、ロットへの影響を原子的に補償する
func (l *Ledger) Delete(ctx context.Context, entryID string) error {
	entry, err := l.storage.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}

	err = l.storage.WithinTx(ctx, func(tx Storage) error {
		switch entry.MovementType {
		case MovementSupply:
			return l.deleteSupply(ctx, tx, entry)
		case MovementSale, MovementWaste:
			return l.deleteConsuming(ctx, tx, entry)
		case MovementTransferOut:
			return l.deleteTransferOut(ctx, tx, entry)
		case MovementTransferIn:
			return l.deleteTransferIn(ctx, tx, entry)
		}
		return NewValidationError("movement_type", "未知の移動タイプです", string(entry.MovementType))
	})
	if err != nil {
		return err
	}

	if l.metrics != nil {
		l.metrics.EntriesDeleted.WithLabelValues(string(entry.MovementType)).Inc()
	}

	if l.publisher != nil {
		event := EntryDeletedEvent{
			EntryID:      entry.ID,
			MovementType: entry.MovementType,
			LocationID:   entry.LocationID,
			ItemID:       entry.ItemID,
			Timestamp:    time.Now(),
		}
		if err := l.publisher.PublishEntryDeleted(ctx, event); err != nil {
			l.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	l.logger.Info("台帳エントリ削除完了",
		zap.String("entry_id", entry.ID),
		zap.String("movement_type", string(entry.MovementType)),
	)

	return nil
}

// deleteSupply deletes a supply entry if none of its lots were consumed
// 仕入エントリを削除（ロットが未消費の場合のみ）
func (l *Ledger) deleteSupply(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	lots, err := tx.ListLotsBySourceEntry(ctx, entry.ID)
	if err != nil {
		return NewStorageError("list_lots", "ロット取得に失敗しました", err)
	}

	consumed := decimal.Zero
	supplied := decimal.Zero
	for i := range lots {
		supplied = supplied.Add(lots[i].OriginalQuantity)
		consumed = consumed.Add(lots[i].OriginalQuantity.Sub(lots[i].RemainingQuantity))
	}
	if consumed.IsPositive() {
		return NewConsumptionBlocksDeletionError(entry.ID, consumed, supplied)
	}

	for i := range lots {
		if err := tx.DeleteLot(ctx, lots[i].ID); err != nil {
			return NewStorageError("delete_lot", "ロット削除に失敗しました", err)
		}
	}
	if err := tx.DeleteEntry(ctx, entry.ID); err != nil {
		return NewStorageError("delete_entry", "台帳エントリ削除に失敗しました", err)
	}
	return nil
}

// deleteConsuming restores consumed lots from the entry's consumption records
// 消費記録からロットを復元して消費系エントリを削除
func (l *Ledger) deleteConsuming(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	records, err := tx.ListConsumptionsByEntry(ctx, entry.ID)
	if err != nil {
		return NewStorageError("list_consumptions", "消費記録取得に失敗しました", err)
	}

	if len(records) == 0 {
		// 消費記録のない旧データ: 回復ロットを作成して警告を残す（劣化パス）
		return l.restoreWithoutRecords(ctx, tx, entry)
	}

	for i := range records {
		record := &records[i]
		lot, err := tx.GetLot(ctx, record.LotID)
		if err != nil {
			return NewStorageError("get_lot", "ロット取得に失敗しました", err)
		}
		restored := lot.RemainingQuantity.Add(record.Quantity)
		if err := tx.UpdateLotRemaining(ctx, lot.ID, restored); err != nil {
			return NewStorageError("update_lot", "ロット残数量更新に失敗しました", err)
		}
		if err := l.appendLotEvent(ctx, tx, EventLotRestored, entry, &lot.ID, record.Quantity, record.UnitCost, restored); err != nil {
			return err
		}
	}

	if err := tx.DeleteConsumptionsByEntry(ctx, entry.ID); err != nil {
		return NewStorageError("delete_consumptions", "消費記録削除に失敗しました", err)
	}
	if err := tx.DeleteEntry(ctx, entry.ID); err != nil {
		return NewStorageError("delete_entry", "台帳エントリ削除に失敗しました", err)
	}
	return nil
}

// restoreWithoutRecords compensates a pre-record-keeping entry by creating a
// recovery lot at the entry's own price
// 消費記録を持たない旧エントリをエントリ自身の単価で回復ロットを作成して補償
func (l *Ledger) restoreWithoutRecords(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	cost := decimal.Zero
	if entry.UnitPrice != nil {
		cost = *entry.UnitPrice
	}

	l.logger.Warn("消費記録が存在しないため回復ロットで補償します",
		zap.String("entry_id", entry.ID),
		zap.String("movement_type", string(entry.MovementType)),
		zap.String("quantity", entry.Quantity.String()),
		zap.String("unit_cost", cost.String()),
	)

	// 生成元エントリはこの後削除されるため、回復ロットは関連付けを持たない
	lot := &InventoryLot{
		ID:                NewLotID(),
		LocationID:        entry.LocationID,
		ItemID:            entry.ItemID,
		PurchaseDate:      entry.EntryDate,
		UnitCost:          cost,
		OriginalQuantity:  entry.Quantity,
		RemainingQuantity: entry.Quantity,
		CreatedAt:         time.Now(),
	}
	if err := tx.CreateLot(ctx, lot); err != nil {
		return NewStorageError("create_lot", "回復ロット作成に失敗しました", err)
	}
	if err := l.appendLotEvent(ctx, tx, EventLotRestored, entry, &lot.ID, entry.Quantity, cost, entry.Quantity); err != nil {
		return err
	}
	if err := tx.DeleteEntry(ctx, entry.ID); err != nil {
		return NewStorageError("delete_entry", "台帳エントリ削除に失敗しました", err)
	}
	return nil
}

// deleteTransferOut cascades through the paired transfer-in before restoring
// 対となる移動入庫を先に削除してから移動出庫を復元削除
func (l *Ledger) deleteTransferOut(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	if entry.BatchID != nil {
		op, err := tx.GetOperationByBatch(ctx, *entry.BatchID)
		if err != nil && !errors.Is(err, ErrOperationNotFound) {
			return NewStorageError("get_operation", "移動オペレーション取得に失敗しました", err)
		}
		if op != nil {
			if op.Status == TransferCompleted && op.InEntryID != nil {
				inEntry, err := tx.GetEntry(ctx, *op.InEntryID)
				if err != nil {
					return NewStorageError("get_entry", "移動入庫エントリ取得に失敗しました", err)
				}
				if err := l.deleteTransferIn(ctx, tx, inEntry); err != nil {
					return err
				}
			}
			op.Status = TransferRolledBack
			op.InEntryID = nil
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return NewStorageError("update_operation", "移動オペレーション更新に失敗しました", err)
			}
		}
	}

	return l.deleteConsuming(ctx, tx, entry)
}

// deleteTransferIn removes the lots created by a transfer-in entry,
// failing if any received unit was consumed downstream
// 移動入庫が作成したロットを削除（受領後に消費があれば失敗）
func (l *Ledger) deleteTransferIn(ctx context.Context, tx Storage, entry *LedgerEntry) error {
	lots, err := tx.ListLotsBySourceEntry(ctx, entry.ID)
	if err != nil {
		return NewStorageError("list_lots", "ロット取得に失敗しました", err)
	}

	// 受領ロットを参照する下流エントリが残っている間は削除できない
	received := decimal.Zero
	lotIDs := make([]string, 0, len(lots))
	for i := range lots {
		received = received.Add(lots[i].OriginalQuantity)
		lotIDs = append(lotIDs, lots[i].ID)
	}
	consumed, err := tx.SumConsumedFromLots(ctx, lotIDs)
	if err != nil {
		return NewStorageError("sum_consumptions", "引当数量の集計に失敗しました", err)
	}
	if consumed.IsPositive() {
		return NewConsumptionBlocksDeletionError(entry.ID, consumed, received)
	}

	// 古い順に削除
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].PurchaseDate.Equal(lots[j].PurchaseDate) {
			return lots[i].PurchaseDate.Before(lots[j].PurchaseDate)
		}
		return lots[i].Sequence < lots[j].Sequence
	})
	for i := range lots {
		if err := tx.DeleteLot(ctx, lots[i].ID); err != nil {
			return NewStorageError("delete_lot", "ロット削除に失敗しました", err)
		}
	}
	if err := tx.DeleteEntry(ctx, entry.ID); err != nil {
		return NewStorageError("delete_entry", "台帳エントリ削除に失敗しました", err)
	}
	return nil
}

// AvailableQuantity returns the current availability and the FIFO-ordered
// open lots. The read takes no locks.
// 現在の利用可能数量とFIFO順の残ロットを返す（ロックなしの読み取り）
func (l *Ledger) AvailableQuantity(ctx context.Context, locationID, itemID string) (decimal.Decimal, []InventoryLot, error) {
	if err := ValidateLocationID(locationID); err != nil {
		return decimal.Zero, nil, err
	}
	if err := ValidateItemID(itemID); err != nil {
		return decimal.Zero, nil, err
	}

	lots, err := l.storage.ListAvailableLots(ctx, locationID, itemID)
	if err != nil {
		return decimal.Zero, nil, NewStorageError("list_lots", "ロット取得に失敗しました", err)
	}

	total := decimal.Zero
	for i := range lots {
		total = total.Add(lots[i].RemainingQuantity)
	}
	return total, lots, nil
}

// AvailableQuantityAt replays the ledger up to the cutoff and returns the
// availability at that point in time. Live lot rows are never touched;
// the replay runs entirely on synthetic in-memory lots.
// 指定時点までの台帳をリプレイし、その時点の利用可能数量を返す。
// 実ロット行には一切触れず、メモリ上の合成ロットのみで計算する。
func (l *Ledger) AvailableQuantityAt(ctx context.Context, locationID, itemID string, asOf time.Time) (decimal.Decimal, []SyntheticLot, error) {
	if err := ValidateLocationID(locationID); err != nil {
		return decimal.Zero, nil, err
	}
	if err := ValidateItemID(itemID); err != nil {
		return decimal.Zero, nil, err
	}

	entries, err := l.storage.ListEntriesUntil(ctx, locationID, itemID, asOf)
	if err != nil {
		return decimal.Zero, nil, NewStorageError("list_entries", "台帳エントリ取得に失敗しました", err)
	}

	// エントリは計上日・作成日時順で到着する前提
	var lots []InventoryLot
	var seq int64
	for i := range entries {
		entry := &entries[i]
		switch entry.MovementType {
		case MovementSupply, MovementTransferIn:
			seq++
			cost := decimal.Zero
			if entry.UnitPrice != nil {
				cost = *entry.UnitPrice
			}
			lots = append(lots, InventoryLot{
				ID:                entry.ID,
				LocationID:        locationID,
				ItemID:            itemID,
				PurchaseDate:      entry.EntryDate,
				Sequence:          seq,
				UnitCost:          cost,
				OriginalQuantity:  entry.Quantity,
				RemainingQuantity: entry.Quantity,
				SourceEntryID:     entry.ID,
			})
			sortLotsFIFO(lots)
		case MovementSale, MovementWaste, MovementTransferOut:
			plan, err := BuildConsumptionPlan(locationID, itemID, lots, entry.Quantity)
			if err != nil {
				// リプレイ中の不足は履歴不整合を示すため、そのまま返す
				return decimal.Zero, nil, fmt.Errorf("時点リプレイに失敗しました [%s]: %w", entry.ID, err)
			}
			for _, draw := range plan.Draws {
				for j := range lots {
					if lots[j].ID == draw.LotID {
						lots[j].RemainingQuantity = draw.RemainingAfter
						break
					}
				}
			}
		}
	}

	total := decimal.Zero
	result := make([]SyntheticLot, 0, len(lots))
	for i := range lots {
		if !lots[i].RemainingQuantity.IsPositive() {
			continue
		}
		total = total.Add(lots[i].RemainingQuantity)
		result = append(result, SyntheticLot{
			PurchaseDate:      lots[i].PurchaseDate,
			Sequence:          lots[i].Sequence,
			UnitCost:          lots[i].UnitCost,
			RemainingQuantity: lots[i].RemainingQuantity,
			SourceEntryID:     lots[i].SourceEntryID,
		})
	}
	return total, result, nil
}

// GetEntry gets a single ledger entry
// 台帳エントリ1件を取得
func (l *Ledger) GetEntry(ctx context.Context, entryID string) (*LedgerEntry, error) {
	return l.storage.GetEntry(ctx, entryID)
}

// ListEntries lists ledger entries for an item at a location
// ロケーションの商品の台帳エントリを取得
func (l *Ledger) ListEntries(ctx context.Context, locationID, itemID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100 // デフォルト値
	}
	return l.storage.ListEntries(ctx, locationID, itemID, limit)
}

// ListEvents lists inventory events for an item at a location
// ロケーションの商品の在庫イベントを取得
func (l *Ledger) ListEvents(ctx context.Context, locationID, itemID string, limit int) ([]InventoryEvent, error) {
	if limit <= 0 {
		limit = 100 // デフォルト値
	}
	return l.storage.ListEvents(ctx, locationID, itemID, limit)
}

// ListConsumptions lists the consumption records of one entry
// エントリの消費記録を取得
func (l *Ledger) ListConsumptions(ctx context.Context, entryID string) ([]ConsumptionRecord, error) {
	return l.storage.ListConsumptionsByEntry(ctx, entryID)
}

// ヘルパーメソッド

// appendLotEvent appends one audit event inside the current transaction
// 現在のトランザクション内で監査イベントを追記
func (l *Ledger) appendLotEvent(ctx context.Context, tx Storage, eventType EventType, entry *LedgerEntry, lotID *string, change, cost, remaining decimal.Decimal) error {
	event := &InventoryEvent{
		ID:             NewRecordID(),
		Type:           eventType,
		EntryID:        entry.ID,
		LotID:          lotID,
		LocationID:     entry.LocationID,
		ItemID:         entry.ItemID,
		QuantityChange: change,
		UnitCost:       cost,
		RemainingAfter: remaining,
		OccurredAt:     time.Now(),
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return NewStorageError("append_event", "在庫イベント追記に失敗しました", err)
	}
	return nil
}

// actorFromContext extracts the acting user from context
// コンテキストから操作者を取得
func (l *Ledger) actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey).(string); ok {
		return actor
	}
	return "system"
}

// consumptionEventType maps a consuming movement to its audit event type
// 消費系移動タイプを監査イベントタイプへ対応付け
func consumptionEventType(t MovementType) EventType {
	switch t {
	case MovementTransferOut:
		return EventTransferSent
	case MovementWaste:
		return EventWasteRemoved
	default:
		return EventLotConsumed
	}
}

// sortLotsFIFO sorts lots by purchase date then creation sequence
// ロットを仕入日・作成順序でソート
func sortLotsFIFO(lots []InventoryLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].PurchaseDate.Equal(lots[j].PurchaseDate) {
			return lots[i].PurchaseDate.Before(lots[j].PurchaseDate)
		}
		return lots[i].Sequence < lots[j].Sequence
	})
}

// contextKey is a private type for context values
// コンテキスト値のための非公開キー型
type contextKey string

// actorContextKey carries the acting user through context
// 操作者をコンテキストで伝搬するキー
const actorContextKey contextKey = "actor"

// WithActor returns a context carrying the acting user
// 操作者を保持するコンテキストを返す
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}
