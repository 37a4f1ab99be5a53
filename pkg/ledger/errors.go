package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrEntryNotFound is returned when a ledger entry doesn't exist
	// 台帳エントリが存在しない場合のエラー
	ErrEntryNotFound = errors.New("台帳エントリが見つかりません")

	// ErrLotNotFound is returned when an inventory lot doesn't exist
	// 在庫ロットが存在しない場合のエラー
	ErrLotNotFound = errors.New("在庫ロットが見つかりません")

	// ErrOperationNotFound is returned when a transfer operation doesn't exist
	// 移動オペレーションが存在しない場合のエラー
	ErrOperationNotFound = errors.New("移動オペレーションが見つかりません")

	// ErrWorkflowNotFound is returned when a transfer workflow doesn't exist
	// 移動ワークフローが存在しない場合のエラー
	ErrWorkflowNotFound = errors.New("移動ワークフローが見つかりません")

	// ErrWorkflowItemNotFound is returned when a workflow item line doesn't exist
	// ワークフロー明細が存在しない場合のエラー
	ErrWorkflowItemNotFound = errors.New("ワークフロー明細が見つかりません")

	// ErrDuplicateBatch is returned when a transfer batch already has an operation
	// 移動バッチに既にオペレーションが存在する場合のエラー
	ErrDuplicateBatch = errors.New("移動バッチは既に存在します")

	// ErrDirectTransferIn is returned when a caller records transfer_in directly
	// 呼び出し側が移動入庫を直接記録しようとした場合のエラー
	ErrDirectTransferIn = errors.New("移動入庫は直接記録できません。移動完了処理を使用してください")
)

// InsufficientInventoryError is returned when FIFO consumption cannot be covered
// FIFO消費を賄えない場合のエラー
// 利用可能数量と要求数量を正確に保持する
type InsufficientInventoryError struct {
	LocationID string          `json:"location_id"` // ロケーションID
	ItemID     string          `json:"item_id"`     // 商品ID
	Available  decimal.Decimal `json:"available"`   // 利用可能数量
	Requested  decimal.Decimal `json:"requested"`   // 要求数量
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s@%s]: 利用可能 %s, 要求 %s",
		e.ItemID, e.LocationID, e.Available.String(), e.Requested.String())
}

// ConsumptionBlocksDeletionError is returned when a supply entry cannot be
// deleted because its lots have been partially consumed
// 供給ロットが消費済みのため削除できない場合のエラー
type ConsumptionBlocksDeletionError struct {
	EntryID  string          `json:"entry_id"` // 対象エントリID
	Consumed decimal.Decimal `json:"consumed"` // 消費済み数量
	Supplied decimal.Decimal `json:"supplied"` // 供給数量
}

func (e *ConsumptionBlocksDeletionError) Error() string {
	return fmt.Sprintf("消費済み在庫があるため削除できません [%s]: 消費済み %s / 供給 %s",
		e.EntryID, e.Consumed.String(), e.Supplied.String())
}

// TransferValidationError is returned when transfer direction rules are violated
// 移動の方向ルール違反時のエラー
type TransferValidationError struct {
	Rule    string `json:"rule"`    // 違反ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e *TransferValidationError) Error() string {
	return fmt.Sprintf("移動バリデーションエラー [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

// OperationFailedError is returned when transfer completion fails after the
// operation row has been marked failed
// 移動完了処理が失敗し、オペレーションが失敗状態に記録された場合のエラー
type OperationFailedError struct {
	BatchID string `json:"batch_id"` // 移動バッチID
	Message string `json:"message"`  // 失敗理由
	Cause   error  `json:"cause"`    // 原因エラー
}

func (e *OperationFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("移動完了処理が失敗しました [%s]: %s (原因: %v)", e.BatchID, e.Message, e.Cause)
	}
	return fmt.Sprintf("移動完了処理が失敗しました [%s]: %s", e.BatchID, e.Message)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Cause
}

// WorkflowStateConflictError is returned when a transition finds the workflow
// in a different status than expected
// ワークフローが期待ステータスと異なる場合の遷移エラー
type WorkflowStateConflictError struct {
	WorkflowID string         `json:"workflow_id"` // ワークフローID
	Expected   WorkflowStatus `json:"expected"`    // 期待ステータス
	Actual     WorkflowStatus `json:"actual"`      // 実際のステータス
}

func (e *WorkflowStateConflictError) Error() string {
	return fmt.Sprintf("ワークフロー状態が競合しています [%s]: 期待 %s, 実際 %s",
		e.WorkflowID, e.Expected, e.Actual)
}

// ValidationError represents an input validation error with details
// 詳細付き入力バリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewInsufficientInventoryError creates a new insufficient inventory error
// 新しい在庫不足エラーを作成
func NewInsufficientInventoryError(locationID, itemID string, available, requested decimal.Decimal) *InsufficientInventoryError {
	return &InsufficientInventoryError{
		LocationID: locationID,
		ItemID:     itemID,
		Available:  available,
		Requested:  requested,
	}
}

// NewConsumptionBlocksDeletionError creates a new deletion-blocked error
// 新しい削除不可エラーを作成
func NewConsumptionBlocksDeletionError(entryID string, consumed, supplied decimal.Decimal) *ConsumptionBlocksDeletionError {
	return &ConsumptionBlocksDeletionError{
		EntryID:  entryID,
		Consumed: consumed,
		Supplied: supplied,
	}
}

// NewTransferValidationError creates a new transfer validation error
// 新しい移動バリデーションエラーを作成
func NewTransferValidationError(rule, message, context string) *TransferValidationError {
	return &TransferValidationError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewOperationFailedError creates a new operation failed error
// 新しいオペレーション失敗エラーを作成
func NewOperationFailedError(batchID, message string, cause error) *OperationFailedError {
	return &OperationFailedError{
		BatchID: batchID,
		Message: message,
		Cause:   cause,
	}
}

// NewWorkflowStateConflictError creates a new workflow state conflict error
// 新しいワークフロー状態競合エラーを作成
func NewWorkflowStateConflictError(workflowID string, expected, actual WorkflowStatus) *WorkflowStateConflictError {
	return &WorkflowStateConflictError{
		WorkflowID: workflowID,
		Expected:   expected,
		Actual:     actual,
	}
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
