// Package ledger provides FIFO lot-based inventory ledger functionality
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType defines the type of ledger movement
// 台帳移動のタイプを定義
type MovementType string

const (
	MovementSupply      MovementType = "supply"       // 仕入
	MovementSale        MovementType = "sale"         // 販売
	MovementTransferOut MovementType = "transfer_out" // 移動出庫
	MovementTransferIn  MovementType = "transfer_in"  // 移動入庫
	MovementWaste       MovementType = "waste"        // 廃棄
)

// IsConsuming reports whether the movement drains lots via FIFO
// FIFO消費を伴う移動タイプかどうかを判定
func (t MovementType) IsConsuming() bool {
	switch t {
	case MovementSale, MovementTransferOut, MovementWaste:
		return true
	case MovementSupply, MovementTransferIn:
		return false
	}
	return false
}

// IsValid reports whether the movement type is a known value
// 既知の移動タイプかどうかを判定
func (t MovementType) IsValid() bool {
	switch t {
	case MovementSupply, MovementSale, MovementTransferOut, MovementTransferIn, MovementWaste:
		return true
	}
	return false
}

// InventoryLot represents a cost-bearing batch of stock at a location
// ロケーションにおける原価付き在庫ロットを表現
type InventoryLot struct {
	ID                string          `json:"id" db:"id"`                               // ロットID
	LocationID        string          `json:"location_id" db:"location_id"`             // ロケーションID
	ItemID            string          `json:"item_id" db:"item_id"`                     // 商品ID
	PurchaseDate      time.Time       `json:"purchase_date" db:"purchase_date"`         // 仕入日（FIFO第一キー）
	Sequence          int64           `json:"sequence" db:"sequence"`                   // 作成順序（FIFO同日タイブレーク）
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`                 // 単位原価
	OriginalQuantity  decimal.Decimal `json:"original_quantity" db:"original_quantity"` // 初期数量
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" db:"remaining_quantity"` // 残数量
	SourceEntryID     string          `json:"source_entry_id" db:"source_entry_id"`     // 生成元エントリID（元エントリ削除後は空）
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`               // 作成日時
}

// IsUntouched reports whether no units have been consumed from the lot
// ロットが未消費かどうかを判定
func (l *InventoryLot) IsUntouched() bool {
	return l.RemainingQuantity.Equal(l.OriginalQuantity)
}

// IsExhausted reports whether the lot has no remaining units
// ロットの残数量がゼロかどうかを判定
func (l *InventoryLot) IsExhausted() bool {
	return l.RemainingQuantity.IsZero()
}

// ConsumptionRecord records one FIFO draw of a ledger entry against a lot
// 台帳エントリによるロットからのFIFO引当1件を記録
type ConsumptionRecord struct {
	ID        string          `json:"id" db:"id"`                 // 記録ID
	EntryID   string          `json:"entry_id" db:"entry_id"`     // 台帳エントリID
	LotID     string          `json:"lot_id" db:"lot_id"`         // ロットID
	Sequence  int             `json:"sequence" db:"sequence"`     // エントリ内の引当順序（1始まり）
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`     // 引当数量
	UnitCost  decimal.Decimal `json:"unit_cost" db:"unit_cost"`   // ロット単位原価（丸めなしで転記）
	CreatedAt time.Time       `json:"created_at" db:"created_at"` // 作成日時
}

// EventType defines the type of append-only inventory event
// 追記専用在庫イベントのタイプを定義
type EventType string

const (
	EventLotCreated       EventType = "lot_created"       // ロット作成
	EventLotConsumed      EventType = "lot_consumed"      // ロット消費
	EventLotRestored      EventType = "lot_restored"      // ロット復元
	EventTransferSent     EventType = "transfer_sent"     // 移動送付
	EventTransferReceived EventType = "transfer_received" // 移動受領
	EventWasteRemoved     EventType = "waste_removed"     // 廃棄除去
)

// InventoryEvent is an append-only audit record of lot changes
// ロット変動の追記専用監査記録
// 消費アルゴリズムはイベントを参照しない（ロットの残数量が唯一の真実）
type InventoryEvent struct {
	ID             string          `json:"id" db:"id"`                           // イベントID
	Type           EventType       `json:"type" db:"type"`                       // イベントタイプ
	EntryID        string          `json:"entry_id" db:"entry_id"`               // 契機となった台帳エントリID
	LotID          *string         `json:"lot_id" db:"lot_id"`                   // 対象ロットID
	LocationID     string          `json:"location_id" db:"location_id"`         // ロケーションID
	ItemID         string          `json:"item_id" db:"item_id"`                 // 商品ID
	QuantityChange decimal.Decimal `json:"quantity_change" db:"quantity_change"` // 符号付き数量変化
	UnitCost       decimal.Decimal `json:"unit_cost" db:"unit_cost"`             // 単位原価
	RemainingAfter decimal.Decimal `json:"remaining_after" db:"remaining_after"` // 変動後のロット残数量
	OccurredAt     time.Time       `json:"occurred_at" db:"occurred_at"`         // 発生日時
}

// LedgerEntry represents one inventory movement in the ledger
// 台帳における在庫移動1件を表現
type LedgerEntry struct {
	ID             string           `json:"id" db:"id"`                             // エントリID
	MovementType   MovementType     `json:"movement_type" db:"movement_type"`       // 移動タイプ
	LocationID     string           `json:"location_id" db:"location_id"`           // 当事者ロケーションID
	ItemID         string           `json:"item_id" db:"item_id"`                   // 商品ID
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`                 // 数量（常に正）
	UnitPrice      *decimal.Decimal `json:"unit_price" db:"unit_price"`             // 単価（移動出庫は加重平均原価）
	EntryDate      time.Time        `json:"entry_date" db:"entry_date"`             // 計上日
	BatchID        *string          `json:"batch_id" db:"batch_id"`                 // グループ参照（仕入便・移動バッチ・廃棄報告）
	ToLocationID   *string          `json:"to_location_id" db:"to_location_id"`     // 移動先（transfer_outのみ）
	FromLocationID *string          `json:"from_location_id" db:"from_location_id"` // 移動元（transfer_inのみ）
	RelatedEntryID *string          `json:"related_entry_id" db:"related_entry_id"` // 対となるエントリID（OUT⇔IN）
	Notes          string           `json:"notes" db:"notes"`                       // 備考
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`             // 作成日時
	CreatedBy      string           `json:"created_by" db:"created_by"`             // 作成者
}

// RecordRequest carries the caller-facing fields for recording an entry
// 台帳エントリ記録のための入力を表現
type RecordRequest struct {
	MovementType MovementType     `json:"movement_type"`            // 移動タイプ
	LocationID   string           `json:"location_id"`              // 当事者ロケーションID
	ItemID       string           `json:"item_id"`                  // 商品ID
	Quantity     decimal.Decimal  `json:"quantity"`                 // 数量（正）
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`     // 単価（仕入は原価、販売は売価）
	EntryDate    time.Time        `json:"entry_date"`               // 計上日
	BatchID      *string          `json:"batch_id,omitempty"`       // グループ参照
	ToLocationID *string          `json:"to_location_id,omitempty"` // 移動先（transfer_outのみ）
	Notes        string           `json:"notes,omitempty"`          // 備考
}

// TransferStatus defines the status of a physical transfer operation
// 移動オペレーションのステータスを定義
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"     // 処理中
	TransferCompleted  TransferStatus = "completed"   // 完了
	TransferFailed     TransferStatus = "failed"      // 失敗
	TransferRolledBack TransferStatus = "rolled_back" // 取消済み
)

// TransferOperation tracks the paired OUT/IN completion of one transfer batch
// 1移動バッチのOUT/IN対完了状態を追跡
type TransferOperation struct {
	ID           string         `json:"id" db:"id"`                       // オペレーションID
	BatchID      string         `json:"batch_id" db:"batch_id"`           // 移動バッチID（一意）
	Status       TransferStatus `json:"status" db:"status"`               // ステータス
	OutEntryID   string         `json:"out_entry_id" db:"out_entry_id"`   // 出庫エントリID（出庫エントリ削除後は空）
	InEntryID    *string        `json:"in_entry_id" db:"in_entry_id"`     // 入庫エントリID
	ErrorMessage string         `json:"error_message" db:"error_message"` // 失敗時のエラーメッセージ
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`       // 作成日時
	CompletedAt  *time.Time     `json:"completed_at" db:"completed_at"`   // 完了日時
}

// WorkflowStatus defines the status of a transfer approval workflow
// 移動承認ワークフローのステータスを定義
type WorkflowStatus string

const (
	WorkflowCreated             WorkflowStatus = "created"              // 下書き
	WorkflowPendingReview       WorkflowStatus = "pending_review"       // レビュー待ち
	WorkflowUnderReview         WorkflowStatus = "under_review"         // レビュー中
	WorkflowPendingConfirmation WorkflowStatus = "pending_confirmation" // 送付側確認待ち
	WorkflowConfirmed           WorkflowStatus = "confirmed"            // 合意済み
	WorkflowExecuting           WorkflowStatus = "executing"            // 実行中
	WorkflowCompleted           WorkflowStatus = "completed"            // 完了
	WorkflowRejected            WorkflowStatus = "rejected"             // 却下
	WorkflowCancelled           WorkflowStatus = "cancelled"            // 取消
)

// IsTerminal reports whether no further transition is allowed from the status
// これ以上遷移できない終端ステータスかどうかを判定
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowRejected, WorkflowCancelled:
		return true
	}
	return false
}

// ActorSide identifies which party of a transfer performed an action
// 操作を行った当事者（送付側/受領側）を識別
type ActorSide string

const (
	SideSender   ActorSide = "sender"   // 送付側
	SideReceiver ActorSide = "receiver" // 受領側
)

// TransferWorkflow represents the two-party approval state of a transfer
// 二者間移動承認の状態を表現
type TransferWorkflow struct {
	ID                  string         `json:"id" db:"id"`                                     // ワークフローID
	BatchID             string         `json:"batch_id" db:"batch_id"`                         // 移動バッチID
	FromLocationID      string         `json:"from_location_id" db:"from_location_id"`         // 送付側ロケーション
	ToLocationID        string         `json:"to_location_id" db:"to_location_id"`             // 受領側ロケーション
	Status              WorkflowStatus `json:"status" db:"status"`                             // ステータス
	HasEdits            bool           `json:"has_edits" db:"has_edits"`                       // 受領側による数量修正の有無
	ConfirmedByReceiver bool           `json:"confirmed_by_receiver" db:"confirmed_by_receiver"` // 受領側確認済み
	ConfirmedBySender   bool           `json:"confirmed_by_sender" db:"confirmed_by_sender"`   // 送付側確認済み
	MutualAgreement     bool           `json:"mutual_agreement" db:"mutual_agreement"`         // 相互合意成立
	CreatedBy           string         `json:"created_by" db:"created_by"`                     // 作成者
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`                     // 作成日時
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`                     // 更新日時
}

// RecalculateAgreement updates the derived mutual agreement flag
// 相互合意フラグを再計算
// 修正なしは受領側確認のみで成立、修正ありは両者確認で成立
func (w *TransferWorkflow) RecalculateAgreement() {
	if w.HasEdits {
		w.MutualAgreement = w.ConfirmedByReceiver && w.ConfirmedBySender
	} else {
		w.MutualAgreement = w.ConfirmedByReceiver
	}
}

// TransferWorkflowItem holds the current effective quantity of one item line
// ワークフロー内の商品明細（現在の有効数量）を保持
type TransferWorkflowItem struct {
	ID         string          `json:"id" db:"id"`                   // 明細ID
	WorkflowID string          `json:"workflow_id" db:"workflow_id"` // ワークフローID
	ItemID     string          `json:"item_id" db:"item_id"`         // 商品ID
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`       // 有効数量（修正後）
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`   // 更新日時
}

// TransferItemEdit records one receiver-side quantity correction
// 受領側による数量修正1件を記録（上書きせず追記する）
type TransferItemEdit struct {
	ID               string          `json:"id" db:"id"`                               // 修正ID
	WorkflowID       string          `json:"workflow_id" db:"workflow_id"`             // ワークフローID
	ItemID           string          `json:"item_id" db:"item_id"`                     // 商品ID
	OriginalQuantity decimal.Decimal `json:"original_quantity" db:"original_quantity"` // 修正前数量
	EditedQuantity   decimal.Decimal `json:"edited_quantity" db:"edited_quantity"`     // 修正後数量
	EditedBy         string          `json:"edited_by" db:"edited_by"`                 // 修正者
	Reason           string          `json:"reason" db:"reason"`                       // 修正理由
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`               // 作成日時
}

// ApprovalHistory is an append-only trail of workflow transitions
// ワークフロー遷移の追記専用履歴
type ApprovalHistory struct {
	ID         string         `json:"id" db:"id"`                   // 履歴ID
	WorkflowID string         `json:"workflow_id" db:"workflow_id"` // ワークフローID
	FromStatus WorkflowStatus `json:"from_status" db:"from_status"` // 遷移前ステータス
	ToStatus   WorkflowStatus `json:"to_status" db:"to_status"`     // 遷移後ステータス
	Actor      string         `json:"actor" db:"actor"`             // 操作者
	ActorSide  ActorSide      `json:"actor_side" db:"actor_side"`   // 操作者の立場
	Note       string         `json:"note" db:"note"`               // 備考
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`   // 作成日時
}

// SyntheticLot is an in-memory lot used by point-in-time replay
// 時点照会のリプレイで使用するメモリ上の合成ロット
type SyntheticLot struct {
	PurchaseDate      time.Time       `json:"purchase_date"`      // 仕入日
	Sequence          int64           `json:"sequence"`           // 作成順序
	UnitCost          decimal.Decimal `json:"unit_cost"`          // 単位原価
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"` // 残数量
	SourceEntryID     string          `json:"source_entry_id"`    // 生成元エントリID
}

// NewEntryID generates a new ledger entry ID
// 新しい台帳エントリIDを生成
func NewEntryID() string {
	return uuid.New().String()
}

// NewLotID generates a new inventory lot ID
// 新しい在庫ロットIDを生成
func NewLotID() string {
	return uuid.New().String()
}

// NewRecordID generates a new generic record ID
// 新しい汎用記録IDを生成
func NewRecordID() string {
	return uuid.New().String()
}

// NewBatchID generates a new transfer batch ID
// 新しい移動バッチIDを生成
func NewBatchID() string {
	return uuid.New().String()
}
