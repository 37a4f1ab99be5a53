package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WorkflowService implements the WorkflowManager interface
// WorkflowManagerインターフェースの実装
type WorkflowService struct {
	storage   Storage         // ストレージ層
	ledger    LedgerManager   // 台帳（確定時のFIFO消費に使用）
	transfers TransferManager // 移動完了サービス
	publisher EventPublisher  // イベント発行者
	logger    *zap.Logger     // ログ
	metrics   *Metrics        // メトリクス
}

// インターフェースを実装することを明示
var _ WorkflowManager = (*WorkflowService)(nil)

// NewWorkflowService creates a new transfer approval workflow service
// 新しい移動承認ワークフローサービスを作成
func NewWorkflowService(storage Storage, ledger LedgerManager, transfers TransferManager, publisher EventPublisher, logger *zap.Logger, metrics *Metrics) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowService{
		storage:   storage,
		ledger:    ledger,
		transfers: transfers,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Create creates a new transfer workflow in draft state.
// No inventory is touched until the workflow is confirmed.
// 下書き状態の移動ワークフローを作成する。
// 確定まで在庫には一切触れない。
func (w *WorkflowService) Create(ctx context.Context, req CreateWorkflowRequest) (*TransferWorkflow, error) {
	if err := ValidateLocationID(req.FromLocationID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(req.ToLocationID); err != nil {
		return nil, err
	}
	if req.FromLocationID == req.ToLocationID {
		return nil, NewTransferValidationError("same_location",
			"移動元と移動先が同じです", req.FromLocationID)
	}
	if err := ValidateActor(req.CreatedBy); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, NewValidationError("items", "商品明細が指定されていません", "")
	}

	now := time.Now()
	wf := &TransferWorkflow{
		ID:             NewRecordID(),
		BatchID:        NewBatchID(),
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Status:         WorkflowCreated,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	items := make([]TransferWorkflowItem, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	for _, in := range req.Items {
		if err := ValidateItemID(in.ItemID); err != nil {
			return nil, err
		}
		if err := ValidateQuantity(in.Quantity); err != nil {
			return nil, err
		}
		if seen[in.ItemID] {
			return nil, NewValidationError("items", "商品明細が重複しています", in.ItemID)
		}
		seen[in.ItemID] = true
		items = append(items, TransferWorkflowItem{
			ID:         NewRecordID(),
			WorkflowID: wf.ID,
			ItemID:     in.ItemID,
			Quantity:   in.Quantity,
			UpdatedAt:  now,
		})
	}

	if err := w.storage.CreateWorkflow(ctx, wf, items); err != nil {
		return nil, NewStorageError("create_workflow", "ワークフロー作成に失敗しました", err)
	}

	w.logger.Info("移動ワークフロー作成完了",
		zap.String("workflow_id", wf.ID),
		zap.String("batch_id", wf.BatchID),
		zap.String("from_location", wf.FromLocationID),
		zap.String("to_location", wf.ToLocationID),
		zap.Int("items", len(items)),
	)

	return wf, nil
}

// Submit moves a draft workflow to pending review
// 下書きワークフローをレビュー待ちに進める
func (w *WorkflowService) Submit(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error) {
	return w.transition(ctx, workflowID, actor, SideSender, WorkflowCreated, WorkflowPendingReview, "", nil)
}

// StartReview marks the workflow as being reviewed by the receiving side
// 受領側によるレビュー開始を記録
func (w *WorkflowService) StartReview(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error) {
	return w.transition(ctx, workflowID, actor, SideReceiver, WorkflowPendingReview, WorkflowUnderReview, "", nil)
}

// EditItem records a receiver-side quantity correction during review.
// Corrections are appended, never overwritten, and flip the workflow into
// the two-sided confirmation path.
// レビュー中の受領側による数量修正を記録する。
// 修正は上書きせず追記され、以後は両者確認の経路になる。
func (w *WorkflowService) EditItem(ctx context.Context, workflowID, itemID string, quantity decimal.Decimal, actor, reason string) (*TransferWorkflow, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}

	var wf *TransferWorkflow
	err := w.storage.WithinTx(ctx, func(tx Storage) error {
		// ステータスガード（レビュー中のみ修正可能、同時遷移を排除）
		if err := tx.UpdateWorkflowStatus(ctx, workflowID, WorkflowUnderReview, WorkflowUnderReview); err != nil {
			return err
		}

		current, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		items, err := tx.ListWorkflowItems(ctx, workflowID)
		if err != nil {
			return NewStorageError("list_items", "ワークフロー明細取得に失敗しました", err)
		}
		var original *decimal.Decimal
		for i := range items {
			if items[i].ItemID == itemID {
				original = &items[i].Quantity
				break
			}
		}
		if original == nil {
			return ErrWorkflowItemNotFound
		}

		edit := &TransferItemEdit{
			ID:               NewRecordID(),
			WorkflowID:       workflowID,
			ItemID:           itemID,
			OriginalQuantity: *original,
			EditedQuantity:   quantity,
			EditedBy:         actor,
			Reason:           reason,
			CreatedAt:        time.Now(),
		}
		if err := tx.CreateItemEdit(ctx, edit); err != nil {
			return NewStorageError("create_edit", "数量修正記録に失敗しました", err)
		}
		if err := tx.UpdateWorkflowItemQuantity(ctx, workflowID, itemID, quantity); err != nil {
			return NewStorageError("update_item", "明細数量更新に失敗しました", err)
		}

		// 修正が入った時点で確認状態はリセットされる
		current.HasEdits = true
		current.ConfirmedByReceiver = false
		current.ConfirmedBySender = false
		current.RecalculateAgreement()
		current.UpdatedAt = time.Now()
		if err := tx.UpdateWorkflowFlags(ctx, current); err != nil {
			return NewStorageError("update_workflow", "ワークフロー更新に失敗しました", err)
		}

		history := &ApprovalHistory{
			ID:         NewRecordID(),
			WorkflowID: workflowID,
			FromStatus: WorkflowUnderReview,
			ToStatus:   WorkflowUnderReview,
			Actor:      actor,
			ActorSide:  SideReceiver,
			Note:       "数量修正: " + itemID + " " + original.String() + " -> " + quantity.String(),
			CreatedAt:  time.Now(),
		}
		if err := tx.AppendApprovalHistory(ctx, history); err != nil {
			return NewStorageError("append_history", "承認履歴追記に失敗しました", err)
		}

		wf = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.notify(ctx, wf, WorkflowUnderReview, WorkflowUnderReview, actor, SideReceiver)

	w.logger.Info("数量修正完了",
		zap.String("workflow_id", workflowID),
		zap.String("item_id", itemID),
		zap.String("quantity", quantity.String()),
		zap.String("actor", actor),
	)

	return wf, nil
}

// ConfirmReceiving records the receiving side's confirmation. Without edits
// the workflow is confirmed immediately; with edits the sending side must
// still confirm.
// 受領側の確認を記録する。修正なしは即時合意となり、
// 修正ありは送付側の確認を待つ。
func (w *WorkflowService) ConfirmReceiving(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error) {
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}

	var wf *TransferWorkflow
	var next WorkflowStatus
	err := w.storage.WithinTx(ctx, func(tx Storage) error {
		// ステータスガードで行ロックを取り、修正有無の判定と遷移を同一
		// トランザクション内で行う（並行する数量修正との競合を排除）
		if err := tx.UpdateWorkflowStatus(ctx, workflowID, WorkflowUnderReview, WorkflowUnderReview); err != nil {
			return err
		}

		current, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		next = WorkflowConfirmed
		if current.HasEdits {
			next = WorkflowPendingConfirmation
		}
		if err := tx.UpdateWorkflowStatus(ctx, workflowID, WorkflowUnderReview, next); err != nil {
			return err
		}

		current.Status = next
		current.ConfirmedByReceiver = true
		current.RecalculateAgreement()
		current.UpdatedAt = time.Now()
		if err := tx.UpdateWorkflowFlags(ctx, current); err != nil {
			return NewStorageError("update_workflow", "ワークフロー更新に失敗しました", err)
		}

		history := &ApprovalHistory{
			ID:         NewRecordID(),
			WorkflowID: workflowID,
			FromStatus: WorkflowUnderReview,
			ToStatus:   next,
			Actor:      actor,
			ActorSide:  SideReceiver,
			CreatedAt:  time.Now(),
		}
		if err := tx.AppendApprovalHistory(ctx, history); err != nil {
			return NewStorageError("append_history", "承認履歴追記に失敗しました", err)
		}

		wf = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.WorkflowTransitions.WithLabelValues(string(next)).Inc()
	}

	w.notify(ctx, wf, WorkflowUnderReview, next, actor, SideReceiver)

	w.logger.Info("ワークフロー遷移完了",
		zap.String("workflow_id", workflowID),
		zap.String("from_status", string(WorkflowUnderReview)),
		zap.String("to_status", string(next)),
		zap.String("actor", actor),
	)

	return wf, nil
}

// ConfirmSending records the sending side's confirmation of edited quantities
// 修正後数量に対する送付側の確認を記録
func (w *WorkflowService) ConfirmSending(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error) {
	return w.transition(ctx, workflowID, actor, SideSender, WorkflowPendingConfirmation, WorkflowConfirmed, "",
		func(wf *TransferWorkflow) {
			wf.ConfirmedBySender = true
			wf.RecalculateAgreement()
		})
}

// Execute performs the physical transfer of a mutually agreed workflow.
// FIFO consumption happens here and only here: one transfer-out per item
// at the effective quantities, each completed into the receiving side.
// The confirmed workflow is first claimed into the executing state so that
// only one caller performs the consumption; a failed execution is released
// back to confirmed and a retry resumes from the persisted per-item state.
// 相互合意済みワークフローの物理移動を実行する。
// FIFO消費はここでのみ発生し、有効数量で商品ごとに移動出庫と受領を行う。
// 合意済みから実行中への遷移を先取りした呼び出しのみが消費を行い、
// 失敗時は合意済みへ戻して再試行で続きから再開する。
func (w *WorkflowService) Execute(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error) {
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}

	// 実行権の先取り（check-then-set）: 敗者は消費を開始できない
	if err := w.storage.UpdateWorkflowStatus(ctx, workflowID, WorkflowConfirmed, WorkflowExecuting); err != nil {
		return nil, err
	}

	wf, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		w.releaseExecution(ctx, workflowID)
		return nil, err
	}
	if !wf.MutualAgreement {
		w.releaseExecution(ctx, workflowID)
		return nil, NewTransferValidationError("no_mutual_agreement",
			"相互合意が成立していないため実行できません", workflowID)
	}

	items, err := w.storage.ListWorkflowItems(ctx, workflowID)
	if err != nil {
		w.releaseExecution(ctx, workflowID)
		return nil, NewStorageError("list_items", "ワークフロー明細取得に失敗しました", err)
	}

	actorCtx := WithActor(ctx, actor)
	for i := range items {
		if err := w.executeItem(actorCtx, wf, &items[i]); err != nil {
			w.logger.Error("ワークフロー実行中の移動処理に失敗しました",
				zap.String("workflow_id", workflowID),
				zap.String("item_id", items[i].ItemID),
				zap.Error(err),
			)
			w.releaseExecution(ctx, workflowID)
			return nil, err
		}
	}

	return w.transition(ctx, workflowID, actor, SideSender, WorkflowExecuting, WorkflowCompleted, "", nil)
}

// executeItem moves one item line: the transfer-out is recorded at most once
// under the item's own batch, and completion is idempotent per batch.
// 商品明細1件を移動する。出庫は商品ごとのバッチで最大1回のみ記録され、
// 受領完了はバッチ単位で冪等となる。
func (w *WorkflowService) executeItem(ctx context.Context, wf *TransferWorkflow, item *TransferWorkflowItem) error {
	// 商品ごとに独立したバッチを割り当てる（オペレーションはバッチ単位）
	batchID := wf.BatchID + ":" + item.ItemID

	outEntry, err := w.storage.GetEntryByBatchAndType(ctx, batchID, MovementTransferOut)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return NewStorageError("get_entry", "移動出庫エントリ取得に失敗しました", err)
	}
	if outEntry == nil {
		toLocation := wf.ToLocationID
		outEntry, err = w.ledger.Record(ctx, RecordRequest{
			MovementType: MovementTransferOut,
			LocationID:   wf.FromLocationID,
			ItemID:       item.ItemID,
			Quantity:     item.Quantity,
			EntryDate:    time.Now(),
			BatchID:      &batchID,
			ToLocationID: &toLocation,
		})
		if err != nil {
			return err
		}
	}

	_, err = w.transfers.Complete(ctx, outEntry.ID)
	return err
}

// releaseExecution returns a failed execution to the confirmed state for retry
// 失敗した実行を合意済みへ戻して再試行可能にする
func (w *WorkflowService) releaseExecution(ctx context.Context, workflowID string) {
	if err := w.storage.UpdateWorkflowStatus(ctx, workflowID, WorkflowExecuting, WorkflowConfirmed); err != nil {
		w.logger.Error("実行状態の解除に失敗しました",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}
}

// Reject terminates the workflow from the receiving side
// 受領側からワークフローを却下
func (w *WorkflowService) Reject(ctx context.Context, workflowID, actor, reason string) (*TransferWorkflow, error) {
	current, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() || current.Status == WorkflowExecuting {
		return nil, NewWorkflowStateConflictError(workflowID, current.Status, WorkflowRejected)
	}
	return w.transition(ctx, workflowID, actor, SideReceiver, current.Status, WorkflowRejected, reason, nil)
}

// Cancel terminates the workflow from the sending side
// 送付側からワークフローを取消
func (w *WorkflowService) Cancel(ctx context.Context, workflowID, actor, reason string) (*TransferWorkflow, error) {
	current, err := w.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() || current.Status == WorkflowExecuting {
		return nil, NewWorkflowStateConflictError(workflowID, current.Status, WorkflowCancelled)
	}
	return w.transition(ctx, workflowID, actor, SideSender, current.Status, WorkflowCancelled, reason, nil)
}

// GetWorkflow gets a single workflow
// ワークフロー1件を取得
func (w *WorkflowService) GetWorkflow(ctx context.Context, workflowID string) (*TransferWorkflow, error) {
	return w.storage.GetWorkflow(ctx, workflowID)
}

// ListItems lists the current effective item lines of a workflow
// ワークフローの現在の有効明細を取得
func (w *WorkflowService) ListItems(ctx context.Context, workflowID string) ([]TransferWorkflowItem, error) {
	return w.storage.ListWorkflowItems(ctx, workflowID)
}

// ListEdits lists the appended quantity corrections of a workflow
// ワークフローの数量修正履歴を取得
func (w *WorkflowService) ListEdits(ctx context.Context, workflowID string) ([]TransferItemEdit, error) {
	return w.storage.ListItemEdits(ctx, workflowID)
}

// ListHistory lists the approval history of a workflow
// ワークフローの承認履歴を取得
func (w *WorkflowService) ListHistory(ctx context.Context, workflowID string) ([]ApprovalHistory, error) {
	return w.storage.ListApprovalHistory(ctx, workflowID)
}

// ヘルパーメソッド

// transition performs one guarded status transition with its history row,
// flag updates and notification
// ガード付きステータス遷移1件を履歴・フラグ更新・通知込みで実行
func (w *WorkflowService) transition(ctx context.Context, workflowID, actor string, side ActorSide, expected, next WorkflowStatus, note string, mutate func(*TransferWorkflow)) (*TransferWorkflow, error) {
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}

	var wf *TransferWorkflow
	err := w.storage.WithinTx(ctx, func(tx Storage) error {
		// check-then-set: 期待ステータスと一致した場合のみ遷移する
		if err := tx.UpdateWorkflowStatus(ctx, workflowID, expected, next); err != nil {
			return err
		}

		current, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(current)
			current.UpdatedAt = time.Now()
			if err := tx.UpdateWorkflowFlags(ctx, current); err != nil {
				return NewStorageError("update_workflow", "ワークフロー更新に失敗しました", err)
			}
		}

		history := &ApprovalHistory{
			ID:         NewRecordID(),
			WorkflowID: workflowID,
			FromStatus: expected,
			ToStatus:   next,
			Actor:      actor,
			ActorSide:  side,
			Note:       note,
			CreatedAt:  time.Now(),
		}
		if err := tx.AppendApprovalHistory(ctx, history); err != nil {
			return NewStorageError("append_history", "承認履歴追記に失敗しました", err)
		}

		wf = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.WorkflowTransitions.WithLabelValues(string(next)).Inc()
	}

	w.notify(ctx, wf, expected, next, actor, side)

	w.logger.Info("ワークフロー遷移完了",
		zap.String("workflow_id", workflowID),
		zap.String("from_status", string(expected)),
		zap.String("to_status", string(next)),
		zap.String("actor", actor),
	)

	return wf, nil
}

// notify publishes one transition notification to the counterpart side
// 相手方ロケーションへ遷移通知を発行
func (w *WorkflowService) notify(ctx context.Context, wf *TransferWorkflow, from, to WorkflowStatus, actor string, side ActorSide) {
	if w.publisher == nil || wf == nil {
		return
	}
	notifyTo := wf.ToLocationID
	if side == SideReceiver {
		notifyTo = wf.FromLocationID
	}
	event := WorkflowTransitionEvent{
		WorkflowID: wf.ID,
		BatchID:    wf.BatchID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		NotifyTo:   notifyTo,
		Timestamp:  time.Now(),
	}
	if err := w.publisher.PublishWorkflowTransition(ctx, event); err != nil {
		w.logger.Error("遷移通知の発行に失敗しました", zap.Error(err))
	}
}
