package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerManager defines the core interface for the FIFO lot ledger
// FIFOロット台帳のコアインターフェースを定義
type LedgerManager interface {
	// 記録と取消 - Record and compensation
	Record(ctx context.Context, req RecordRequest) (*LedgerEntry, error)
	Delete(ctx context.Context, entryID string) error

	// 在庫照会 - Availability inquiry
	AvailableQuantity(ctx context.Context, locationID, itemID string) (decimal.Decimal, []InventoryLot, error)
	AvailableQuantityAt(ctx context.Context, locationID, itemID string, asOf time.Time) (decimal.Decimal, []SyntheticLot, error)

	// 履歴管理 - History management
	GetEntry(ctx context.Context, entryID string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, locationID, itemID string, limit int) ([]LedgerEntry, error)
	ListEvents(ctx context.Context, locationID, itemID string, limit int) ([]InventoryEvent, error)
	ListConsumptions(ctx context.Context, entryID string) ([]ConsumptionRecord, error)
}

// TransferManager defines the interface for physical transfer completion
// 物理移動完了処理のインターフェースを定義
type TransferManager interface {
	Complete(ctx context.Context, outEntryID string) (*TransferOperation, error)
	GetOperation(ctx context.Context, batchID string) (*TransferOperation, error)
}

// WorkflowManager defines the interface for the two-party approval workflow
// 二者間承認ワークフローのインターフェースを定義
type WorkflowManager interface {
	Create(ctx context.Context, req CreateWorkflowRequest) (*TransferWorkflow, error)
	Submit(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error)
	StartReview(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error)
	EditItem(ctx context.Context, workflowID, itemID string, quantity decimal.Decimal, actor, reason string) (*TransferWorkflow, error)
	ConfirmReceiving(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error)
	ConfirmSending(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error)
	Execute(ctx context.Context, workflowID, actor string) (*TransferWorkflow, error)
	Reject(ctx context.Context, workflowID, actor, reason string) (*TransferWorkflow, error)
	Cancel(ctx context.Context, workflowID, actor, reason string) (*TransferWorkflow, error)

	GetWorkflow(ctx context.Context, workflowID string) (*TransferWorkflow, error)
	ListItems(ctx context.Context, workflowID string) ([]TransferWorkflowItem, error)
	ListEdits(ctx context.Context, workflowID string) ([]TransferItemEdit, error)
	ListHistory(ctx context.Context, workflowID string) ([]ApprovalHistory, error)
}

// CreateWorkflowRequest carries the fields for creating a transfer workflow
// 移動ワークフロー作成のための入力を表現
type CreateWorkflowRequest struct {
	FromLocationID string              `json:"from_location_id"` // 送付側ロケーション
	ToLocationID   string              `json:"to_location_id"`   // 受領側ロケーション
	Items          []WorkflowItemInput `json:"items"`            // 商品明細
	CreatedBy      string              `json:"created_by"`       // 作成者
}

// WorkflowItemInput is one item line of a workflow creation request
// ワークフロー作成リクエストの商品明細1件
type WorkflowItemInput struct {
	ItemID   string          `json:"item_id"`  // 商品ID
	Quantity decimal.Decimal `json:"quantity"` // 数量
}

// Storage defines the interface for the data persistence layer
// データ永続化層のインターフェースを定義
// 消費・補償の一連の操作はWithinTxのスコープ内で行う
type Storage interface {
	// Transaction scope
	WithinTx(ctx context.Context, fn func(tx Storage) error) error

	// Ledger entries
	CreateEntry(ctx context.Context, entry *LedgerEntry) error
	GetEntry(ctx context.Context, entryID string) (*LedgerEntry, error)
	UpdateEntryRelation(ctx context.Context, entryID, relatedEntryID string) error
	DeleteEntry(ctx context.Context, entryID string) error
	ListEntries(ctx context.Context, locationID, itemID string, limit int) ([]LedgerEntry, error)
	ListEntriesUntil(ctx context.Context, locationID, itemID string, until time.Time) ([]LedgerEntry, error)
	GetEntryByBatchAndType(ctx context.Context, batchID string, movementType MovementType) (*LedgerEntry, error)

	// Inventory lots
	CreateLot(ctx context.Context, lot *InventoryLot) error
	GetLot(ctx context.Context, lotID string) (*InventoryLot, error)
	DeleteLot(ctx context.Context, lotID string) error
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error
	LockLotsForConsumption(ctx context.Context, locationID, itemID string) ([]InventoryLot, error)
	ListAvailableLots(ctx context.Context, locationID, itemID string) ([]InventoryLot, error)
	ListLotsBySourceEntry(ctx context.Context, entryID string) ([]InventoryLot, error)

	// Consumption records
	CreateConsumption(ctx context.Context, record *ConsumptionRecord) error
	ListConsumptionsByEntry(ctx context.Context, entryID string) ([]ConsumptionRecord, error)
	DeleteConsumptionsByEntry(ctx context.Context, entryID string) error
	SumConsumedFromLots(ctx context.Context, lotIDs []string) (decimal.Decimal, error)

	// Inventory events
	AppendEvent(ctx context.Context, event *InventoryEvent) error
	ListEvents(ctx context.Context, locationID, itemID string, limit int) ([]InventoryEvent, error)

	// Transfer operations
	CreateOperation(ctx context.Context, op *TransferOperation) error
	GetOperationByBatch(ctx context.Context, batchID string) (*TransferOperation, error)
	UpdateOperation(ctx context.Context, op *TransferOperation) error

	// Transfer workflows
	CreateWorkflow(ctx context.Context, wf *TransferWorkflow, items []TransferWorkflowItem) error
	GetWorkflow(ctx context.Context, workflowID string) (*TransferWorkflow, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, expected, next WorkflowStatus) error
	UpdateWorkflowFlags(ctx context.Context, wf *TransferWorkflow) error
	ListWorkflowItems(ctx context.Context, workflowID string) ([]TransferWorkflowItem, error)
	UpdateWorkflowItemQuantity(ctx context.Context, workflowID, itemID string, quantity decimal.Decimal) error
	CreateItemEdit(ctx context.Context, edit *TransferItemEdit) error
	ListItemEdits(ctx context.Context, workflowID string) ([]TransferItemEdit, error)
	AppendApprovalHistory(ctx context.Context, h *ApprovalHistory) error
	ListApprovalHistory(ctx context.Context, workflowID string) ([]ApprovalHistory, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines the interface for publishing ledger events
// 台帳イベント発行のインターフェースを定義
// キャッシュ無効化や通知は呼び出し側の責務であり、コアはイベントを発行するのみ
type EventPublisher interface {
	PublishEntryRecorded(ctx context.Context, event EntryRecordedEvent) error
	PublishEntryDeleted(ctx context.Context, event EntryDeletedEvent) error
	PublishWorkflowTransition(ctx context.Context, event WorkflowTransitionEvent) error
}

// EntryRecordedEvent signals that a ledger entry has been persisted
// 台帳エントリが永続化されたことを通知
type EntryRecordedEvent struct {
	EntryID      string          `json:"entry_id"`
	MovementType MovementType    `json:"movement_type"`
	LocationID   string          `json:"location_id"`
	ItemID       string          `json:"item_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	LotsTouched  int             `json:"lots_touched"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EntryDeletedEvent signals that a ledger entry has been compensated away
// 台帳エントリが補償削除されたことを通知
type EntryDeletedEvent struct {
	EntryID      string       `json:"entry_id"`
	MovementType MovementType `json:"movement_type"`
	LocationID   string       `json:"location_id"`
	ItemID       string       `json:"item_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// WorkflowTransitionEvent signals one approval workflow transition
// 承認ワークフローの遷移1件を通知
// 通知先は遷移を起こした側の相手方ロケーション
type WorkflowTransitionEvent struct {
	WorkflowID string         `json:"workflow_id"`
	BatchID    string         `json:"batch_id"`
	FromStatus WorkflowStatus `json:"from_status"`
	ToStatus   WorkflowStatus `json:"to_status"`
	Actor      string         `json:"actor"`
	NotifyTo   string         `json:"notify_to"` // 通知先ロケーションID
	Timestamp  time.Time      `json:"timestamp"`
}
