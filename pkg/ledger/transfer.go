package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TransferService implements the TransferManager interface
// TransferManagerインターフェースの実装
type TransferService struct {
	storage Storage     // ストレージ層
	logger  *zap.Logger // ログ
	metrics *Metrics    // メトリクス
}

// インターフェースを実装することを明示
var _ TransferManager = (*TransferService)(nil)

// NewTransferService creates a new transfer completion service
// 新しい移動完了サービスを作成
func NewTransferService(storage Storage, logger *zap.Logger, metrics *Metrics) *TransferService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferService{
		storage: storage,
		logger:  logger,
		metrics: metrics,
	}
}

// Complete finishes a transfer by creating the receiving side of the pair.
// The call is idempotent per batch: a completed operation is returned as-is,
// a failed one is reset and retried. On failure the operation is marked
// failed in a separate write that survives the rolled-back transaction.
// 移動の受領側を作成して移動を完了する。バッチ単位で冪等であり、
// 完了済みはそのまま返し、失敗済みはリセットして再試行する。
// 失敗時はロールバックされない別書き込みでオペレーションを失敗状態にする。
func (s *TransferService) Complete(ctx context.Context, outEntryID string) (*TransferOperation, error) {
	outEntry, err := s.storage.GetEntry(ctx, outEntryID)
	if err != nil {
		return nil, err
	}
	if outEntry.MovementType != MovementTransferOut {
		return nil, NewTransferValidationError("not_transfer_out",
			"移動出庫エントリではありません", string(outEntry.MovementType))
	}
	if outEntry.BatchID == nil || *outEntry.BatchID == "" {
		return nil, NewTransferValidationError("missing_batch",
			"移動出庫エントリにバッチIDがありません", outEntry.ID)
	}
	if outEntry.ToLocationID == nil || *outEntry.ToLocationID == "" {
		return nil, NewTransferValidationError("missing_destination",
			"移動出庫エントリに移動先がありません", outEntry.ID)
	}
	batchID := *outEntry.BatchID

	// オペレーション行の確保は短い独立トランザクションで行う
	op, err := s.ensureOperation(ctx, batchID, outEntry.ID)
	if err != nil {
		return nil, err
	}
	if op.Status == TransferCompleted {
		// 冪等: 完了済みはそのまま返す
		s.logger.Info("移動は既に完了しています", zap.String("batch_id", batchID))
		return op, nil
	}

	err = s.storage.WithinTx(ctx, func(tx Storage) error {
		return s.receive(ctx, tx, op, outEntry)
	})
	if err != nil {
		// 失敗状態はロールバック後も残す
		s.markFailed(ctx, op, err)
		if s.metrics != nil {
			s.metrics.TransfersFailed.Inc()
		}
		return nil, NewOperationFailedError(batchID, "受領側の作成に失敗しました", err)
	}

	if s.metrics != nil {
		s.metrics.TransfersCompleted.Inc()
	}

	s.logger.Info("移動完了",
		zap.String("batch_id", batchID),
		zap.String("out_entry_id", outEntry.ID),
		zap.Stringp("in_entry_id", op.InEntryID),
	)

	return op, nil
}

// ensureOperation creates or resets the operation row in its own transaction
// オペレーション行の作成または再試行リセットを独立トランザクションで実行
func (s *TransferService) ensureOperation(ctx context.Context, batchID, outEntryID string) (*TransferOperation, error) {
	var op *TransferOperation
	err := s.storage.WithinTx(ctx, func(tx Storage) error {
		existing, err := tx.GetOperationByBatch(ctx, batchID)
		if err != nil && !errors.Is(err, ErrOperationNotFound) {
			return NewStorageError("get_operation", "移動オペレーション取得に失敗しました", err)
		}
		if existing == nil {
			op = &TransferOperation{
				ID:         NewRecordID(),
				BatchID:    batchID,
				Status:     TransferPending,
				OutEntryID: outEntryID,
				CreatedAt:  time.Now(),
			}
			if err := tx.CreateOperation(ctx, op); err != nil {
				return NewStorageError("create_operation", "移動オペレーション作成に失敗しました", err)
			}
			return nil
		}

		// オペレーションはバッチと出庫エントリの1対1対応
		if existing.OutEntryID != "" && existing.OutEntryID != outEntryID {
			return NewTransferValidationError("batch_conflict",
				"バッチIDは別の移動出庫エントリで使用されています", batchID)
		}

		switch existing.Status {
		case TransferFailed:
			// 再試行: 失敗状態を処理中に戻す
			existing.Status = TransferPending
			existing.ErrorMessage = ""
			if err := tx.UpdateOperation(ctx, existing); err != nil {
				return NewStorageError("update_operation", "移動オペレーション更新に失敗しました", err)
			}
		case TransferRolledBack:
			return NewTransferValidationError("rolled_back",
				"取消済みのバッチは完了できません", batchID)
		}
		op = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// receive creates the transfer-in entry and one lot per consumption record,
// preserving each source lot's cost and purchase date
// 移動入庫エントリと消費記録ごとのロットを作成し、
// 元ロットの原価と仕入日をそのまま引き継ぐ
func (s *TransferService) receive(ctx context.Context, tx Storage, op *TransferOperation, outEntry *LedgerEntry) error {
	records, err := tx.ListConsumptionsByEntry(ctx, outEntry.ID)
	if err != nil {
		return NewStorageError("list_consumptions", "消費記録取得に失敗しました", err)
	}
	if len(records) == 0 {
		return NewTransferValidationError("no_consumptions",
			"移動出庫に消費記録がありません", outEntry.ID)
	}

	inEntry := &LedgerEntry{
		ID:             NewEntryID(),
		MovementType:   MovementTransferIn,
		LocationID:     *outEntry.ToLocationID,
		ItemID:         outEntry.ItemID,
		Quantity:       outEntry.Quantity,
		UnitPrice:      outEntry.UnitPrice,
		EntryDate:      outEntry.EntryDate,
		BatchID:        outEntry.BatchID,
		FromLocationID: &outEntry.LocationID,
		RelatedEntryID: &outEntry.ID,
		CreatedAt:      time.Now(),
		CreatedBy:      outEntry.CreatedBy,
	}
	if err := tx.CreateEntry(ctx, inEntry); err != nil {
		return NewStorageError("create_entry", "移動入庫エントリ作成に失敗しました", err)
	}

	for i := range records {
		record := &records[i]
		sourceLot, err := tx.GetLot(ctx, record.LotID)
		if err != nil {
			return NewStorageError("get_lot", "移動元ロット取得に失敗しました", err)
		}

		lot := &InventoryLot{
			ID:                NewLotID(),
			LocationID:        inEntry.LocationID,
			ItemID:            inEntry.ItemID,
			PurchaseDate:      sourceLot.PurchaseDate, // 元ロットの仕入日を引き継ぐ
			UnitCost:          record.UnitCost,        // 元ロットの原価を丸めなしで引き継ぐ
			OriginalQuantity:  record.Quantity,
			RemainingQuantity: record.Quantity,
			SourceEntryID:     inEntry.ID,
			CreatedAt:         time.Now(),
		}
		if err := tx.CreateLot(ctx, lot); err != nil {
			return NewStorageError("create_lot", "受領ロット作成に失敗しました", err)
		}

		event := &InventoryEvent{
			ID:             NewRecordID(),
			Type:           EventTransferReceived,
			EntryID:        inEntry.ID,
			LotID:          &lot.ID,
			LocationID:     inEntry.LocationID,
			ItemID:         inEntry.ItemID,
			QuantityChange: record.Quantity,
			UnitCost:       record.UnitCost,
			RemainingAfter: lot.RemainingQuantity,
			OccurredAt:     time.Now(),
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return NewStorageError("append_event", "在庫イベント追記に失敗しました", err)
		}
	}

	// OUT⇔INを双方向にリンク
	if err := tx.UpdateEntryRelation(ctx, outEntry.ID, inEntry.ID); err != nil {
		return NewStorageError("update_entry", "エントリ関連付けに失敗しました", err)
	}

	now := time.Now()
	op.Status = TransferCompleted
	op.InEntryID = &inEntry.ID
	op.CompletedAt = &now
	if err := tx.UpdateOperation(ctx, op); err != nil {
		return NewStorageError("update_operation", "移動オペレーション更新に失敗しました", err)
	}
	return nil
}

// markFailed records the failure on the operation outside the rolled-back
// transaction so the state survives
// 失敗状態をロールバック対象外の書き込みで記録
func (s *TransferService) markFailed(ctx context.Context, op *TransferOperation, cause error) {
	op.Status = TransferFailed
	op.InEntryID = nil
	op.CompletedAt = nil
	op.ErrorMessage = cause.Error()
	if err := s.storage.UpdateOperation(ctx, op); err != nil {
		s.logger.Error("失敗状態の記録に失敗しました",
			zap.String("batch_id", op.BatchID),
			zap.Error(err),
		)
		return
	}
	s.logger.Error("移動完了処理が失敗しました",
		zap.String("batch_id", op.BatchID),
		zap.Error(cause),
	)
}

// GetOperation gets the transfer operation of a batch
// バッチの移動オペレーションを取得
func (s *TransferService) GetOperation(ctx context.Context, batchID string) (*TransferOperation, error) {
	return s.storage.GetOperationByBatch(ctx, batchID)
}
