package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotLedger/pkg/ledger"
)

// Handlers holds HTTP handlers for the ledger API
// 台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger    ledger.LedgerManager
	transfers ledger.TransferManager
	workflows ledger.WorkflowManager
	storage   ledger.Storage
	logger    *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(lm ledger.LedgerManager, tm ledger.TransferManager, wm ledger.WorkflowManager, st ledger.Storage, logger *zap.Logger) *Handlers {
	return &Handlers{
		ledger:    lm,
		transfers: tm,
		workflows: wm,
		storage:   st,
		logger:    logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EditItemRequest represents a receiver-side quantity correction request
// 受領側の数量修正リクエストを表現
type EditItemRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

// TerminateRequest carries the reason of a reject or cancel
// 却下・取消の理由を保持
type TerminateRequest struct {
	Reason string `json:"reason"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiLotLedger",
		},
	})
}

// RecordEntry handles ledger entry recording requests
// 台帳エントリ記録リクエストを処理
func (h *Handlers) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req ledger.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	ctx := ledger.WithActor(r.Context(), h.actor(r))
	entry, err := h.ledger.Record(ctx, req)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, entry)
}

// GetEntry handles get entry requests
// 台帳エントリ取得リクエストを処理
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.GetEntry(r.Context(), mux.Vars(r)["entryId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, entry)
}

// DeleteEntry handles compensating delete requests
// 補償削除リクエストを処理
func (h *Handlers) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx := ledger.WithActor(r.Context(), h.actor(r))
	if err := h.ledger.Delete(ctx, mux.Vars(r)["entryId"]); err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{
		"message": "台帳エントリを削除しました",
	})
}

// ListConsumptions handles consumption record listing requests
// 消費記録取得リクエストを処理
func (h *Handlers) ListConsumptions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListConsumptions(r.Context(), mux.Vars(r)["entryId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, records)
}

// AvailableQuantity handles current availability requests
// 現在の利用可能数量取得リクエストを処理
func (h *Handlers) AvailableQuantity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	total, lots, err := h.ledger.AvailableQuantity(r.Context(), vars["locationId"], vars["itemId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"available": total,
		"lots":      lots,
	})
}

// AvailableQuantityAt handles point-in-time availability requests
// 時点指定の利用可能数量取得リクエストを処理
func (h *Handlers) AvailableQuantityAt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "as_ofはRFC3339形式で指定してください")
			return
		}
		asOf = parsed
	}

	total, lots, err := h.ledger.AvailableQuantityAt(r.Context(), vars["locationId"], vars["itemId"], asOf)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"as_of":     asOf,
		"available": total,
		"lots":      lots,
	})
}

// ListEntries handles ledger entry listing requests
// 台帳エントリ一覧リクエストを処理
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, err := h.ledger.ListEntries(r.Context(), vars["locationId"], vars["itemId"], h.limit(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, entries)
}

// ListEvents handles inventory event listing requests
// 在庫イベント一覧リクエストを処理
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	events, err := h.ledger.ListEvents(r.Context(), vars["locationId"], vars["itemId"], h.limit(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, events)
}

// CompleteTransfer handles transfer completion requests
// 移動完了リクエストを処理
func (h *Handlers) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := ledger.WithActor(r.Context(), h.actor(r))
	op, err := h.transfers.Complete(ctx, mux.Vars(r)["outEntryId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, op)
}

// GetOperation handles transfer operation lookup requests
// 移動オペレーション取得リクエストを処理
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.transfers.GetOperation(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, op)
}

// CreateWorkflow handles workflow creation requests
// ワークフロー作成リクエストを処理
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = h.actor(r)
	}

	wf, err := h.workflows.Create(r.Context(), req)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, wf)
}

// GetWorkflow handles workflow lookup requests
// ワークフロー取得リクエストを処理
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflows.GetWorkflow(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, wf)
}

// SubmitWorkflow handles workflow submission requests
// ワークフロー提出リクエストを処理
func (h *Handlers) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Submit)
}

// StartReview handles review start requests
// レビュー開始リクエストを処理
func (h *Handlers) StartReview(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.StartReview)
}

// EditWorkflowItem handles receiver-side quantity correction requests
// 受領側の数量修正リクエストを処理
func (h *Handlers) EditWorkflowItem(w http.ResponseWriter, r *http.Request) {
	var req EditItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	vars := mux.Vars(r)
	wf, err := h.workflows.EditItem(r.Context(), vars["workflowId"], vars["itemId"], req.Quantity, h.actor(r), req.Reason)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, wf)
}

// ConfirmReceiving handles receiving-side confirmation requests
// 受領側確認リクエストを処理
func (h *Handlers) ConfirmReceiving(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.ConfirmReceiving)
}

// ConfirmSending handles sending-side confirmation requests
// 送付側確認リクエストを処理
func (h *Handlers) ConfirmSending(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.ConfirmSending)
}

// ExecuteWorkflow handles workflow execution requests
// ワークフロー実行リクエストを処理
func (h *Handlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Execute)
}

// RejectWorkflow handles workflow rejection requests
// ワークフロー却下リクエストを処理
func (h *Handlers) RejectWorkflow(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.workflows.Reject)
}

// CancelWorkflow handles workflow cancellation requests
// ワークフロー取消リクエストを処理
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.workflows.Cancel)
}

// ListWorkflowItems handles workflow item listing requests
// ワークフロー明細一覧リクエストを処理
func (h *Handlers) ListWorkflowItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.workflows.ListItems(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, items)
}

// ListWorkflowEdits handles quantity correction listing requests
// 数量修正一覧リクエストを処理
func (h *Handlers) ListWorkflowEdits(w http.ResponseWriter, r *http.Request) {
	edits, err := h.workflows.ListEdits(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, edits)
}

// ListWorkflowHistory handles approval history listing requests
// 承認履歴一覧リクエストを処理
func (h *Handlers) ListWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.workflows.ListHistory(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, history)
}

// ヘルパーメソッド

// transition runs a simple actor-only workflow transition
// 操作者のみを取るワークフロー遷移を実行
func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, workflowID, actor string) (*ledger.TransferWorkflow, error)) {
	wf, err := fn(r.Context(), mux.Vars(r)["workflowId"], h.actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, wf)
}

// terminate runs a reject or cancel transition with its reason
// 理由付きの却下・取消遷移を実行
func (h *Handlers) terminate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, workflowID, actor, reason string) (*ledger.TransferWorkflow, error)) {
	var req TerminateRequest
	if r.Body != nil {
		// 理由は省略可能
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	wf, err := fn(r.Context(), mux.Vars(r)["workflowId"], h.actor(r), req.Reason)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, wf)
}

// actor extracts the acting user from the request
// リクエストから操作者を取得
func (h *Handlers) actor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api_user"
}

// limit parses the limit query parameter
// limitクエリパラメータを解析
func (h *Handlers) limit(r *http.Request) int {
	limit := 50 // デフォルト
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// sendDomainError maps domain errors to HTTP status codes
// ドメインエラーをHTTPステータスコードへ対応付け
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	var (
		insufficient *ledger.InsufficientInventoryError
		blocked      *ledger.ConsumptionBlocksDeletionError
		transferErr  *ledger.TransferValidationError
		conflict     *ledger.WorkflowStateConflictError
		opFailed     *ledger.OperationFailedError
		validation   *ledger.ValidationError
	)

	switch {
	case errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrLotNotFound),
		errors.Is(err, ledger.ErrOperationNotFound),
		errors.Is(err, ledger.ErrWorkflowNotFound),
		errors.Is(err, ledger.ErrWorkflowItemNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &insufficient), errors.As(err, &blocked):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.As(err, &conflict):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.As(err, &transferErr), errors.As(err, &validation),
		errors.Is(err, ledger.ErrDirectTransferIn):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &opFailed):
		h.sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
