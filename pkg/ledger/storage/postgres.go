// Package storage provides the PostgreSQL persistence layer of the ledger
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotLedger/pkg/ledger"
)

// querier abstracts *sql.DB and *sql.Tx
// *sql.DBと*sql.Txを抽象化
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	tx     *sql.Tx // WithinTxスコープ内のトランザクション（外側ではnil）
	q      querier
	logger *zap.Logger
}

// インターフェースを実装することを明示
var _ ledger.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{
		db:     db,
		q:      db,
		logger: logger,
	}, nil
}

// WithinTx runs fn inside one database transaction. A nested call joins the
// surrounding transaction instead of opening a new one.
// fnを1つのデータベーストランザクション内で実行する。
// 入れ子の呼び出しは新規開始せず外側のトランザクションに参加する。
func (s *PostgreSQLStorage) WithinTx(ctx context.Context, fn func(tx ledger.Storage) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}

	scoped := &PostgreSQLStorage{
		db:     s.db,
		tx:     tx,
		q:      tx,
		logger: s.logger,
	}

	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// 台帳エントリ操作

// CreateEntry creates a new ledger entry
// 新しい台帳エントリを作成
func (s *PostgreSQLStorage) CreateEntry(ctx context.Context, entry *ledger.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, movement_type, location_id, item_id, quantity, unit_price,
			entry_date, batch_id, to_location_id, from_location_id, related_entry_id, notes, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.q.ExecContext(ctx, query,
		entry.ID,
		string(entry.MovementType),
		entry.LocationID,
		entry.ItemID,
		entry.Quantity,
		nullDecimal(entry.UnitPrice),
		entry.EntryDate,
		entry.BatchID,
		entry.ToLocationID,
		entry.FromLocationID,
		entry.RelatedEntryID,
		entry.Notes,
		entry.CreatedAt,
		entry.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("台帳エントリ作成に失敗しました: %w", err)
	}
	return nil
}

// GetEntry retrieves a ledger entry by ID
// IDで台帳エントリを取得
func (s *PostgreSQLStorage) GetEntry(ctx context.Context, entryID string) (*ledger.LedgerEntry, error) {
	query := `
		SELECT id, movement_type, location_id, item_id, quantity, unit_price,
			entry_date, batch_id, to_location_id, from_location_id, related_entry_id, notes, created_at, created_by
		FROM ledger_entries
		WHERE id = $1`

	return s.scanEntry(s.q.QueryRowContext(ctx, query, entryID))
}

// UpdateEntryRelation links an entry to its transfer counterpart
// エントリを対となる移動エントリに関連付け
func (s *PostgreSQLStorage) UpdateEntryRelation(ctx context.Context, entryID, relatedEntryID string) error {
	query := `UPDATE ledger_entries SET related_entry_id = $2 WHERE id = $1`

	result, err := s.q.ExecContext(ctx, query, entryID, relatedEntryID)
	if err != nil {
		return fmt.Errorf("エントリ関連付けに失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry deletes a ledger entry
// 台帳エントリを削除
func (s *PostgreSQLStorage) DeleteEntry(ctx context.Context, entryID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("台帳エントリ削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

// ListEntries lists recent entries for an item at a location
// ロケーションの商品の台帳エントリを新しい順に取得
func (s *PostgreSQLStorage) ListEntries(ctx context.Context, locationID, itemID string, limit int) ([]ledger.LedgerEntry, error) {
	query := `
		SELECT id, movement_type, location_id, item_id, quantity, unit_price,
			entry_date, batch_id, to_location_id, from_location_id, related_entry_id, notes, created_at, created_by
		FROM ledger_entries
		WHERE location_id = $1 AND item_id = $2
		ORDER BY entry_date DESC, created_at DESC
		LIMIT $3`

	rows, err := s.q.QueryContext(ctx, query, locationID, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("台帳エントリ取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return s.collectEntries(rows)
}

// ListEntriesUntil lists entries up to the cutoff in replay order
// 指定時点までのエントリをリプレイ順（計上日、作成日時）で取得
func (s *PostgreSQLStorage) ListEntriesUntil(ctx context.Context, locationID, itemID string, until time.Time) ([]ledger.LedgerEntry, error) {
	query := `
		SELECT id, movement_type, location_id, item_id, quantity, unit_price,
			entry_date, batch_id, to_location_id, from_location_id, related_entry_id, notes, created_at, created_by
		FROM ledger_entries
		WHERE location_id = $1 AND item_id = $2 AND entry_date <= $3
		ORDER BY entry_date ASC, created_at ASC`

	rows, err := s.q.QueryContext(ctx, query, locationID, itemID, until)
	if err != nil {
		return nil, fmt.Errorf("台帳エントリ取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return s.collectEntries(rows)
}

// GetEntryByBatchAndType retrieves one entry of a batch by movement type
// バッチ内の指定移動タイプのエントリを取得
func (s *PostgreSQLStorage) GetEntryByBatchAndType(ctx context.Context, batchID string, movementType ledger.MovementType) (*ledger.LedgerEntry, error) {
	query := `
		SELECT id, movement_type, location_id, item_id, quantity, unit_price,
			entry_date, batch_id, to_location_id, from_location_id, related_entry_id, notes, created_at, created_by
		FROM ledger_entries
		WHERE batch_id = $1 AND movement_type = $2
		ORDER BY created_at ASC
		LIMIT 1`

	return s.scanEntry(s.q.QueryRowContext(ctx, query, batchID, string(movementType)))
}

// 在庫ロット操作

// CreateLot creates a new inventory lot and assigns its FIFO sequence
// 新しい在庫ロットを作成しFIFO順序番号を割り当て
func (s *PostgreSQLStorage) CreateLot(ctx context.Context, lot *ledger.InventoryLot) error {
	query := `
		INSERT INTO inventory_lots (id, location_id, item_id, purchase_date, unit_cost,
			original_quantity, remaining_quantity, source_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING sequence`

	err := s.q.QueryRowContext(ctx, query,
		lot.ID,
		lot.LocationID,
		lot.ItemID,
		lot.PurchaseDate,
		lot.UnitCost,
		lot.OriginalQuantity,
		lot.RemainingQuantity,
		nullString(lot.SourceEntryID),
		lot.CreatedAt,
	).Scan(&lot.Sequence)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("ロットは既に存在します")
		}
		return fmt.Errorf("ロット作成に失敗しました: %w", err)
	}
	return nil
}

// GetLot retrieves a lot by ID
// IDでロットを取得
func (s *PostgreSQLStorage) GetLot(ctx context.Context, lotID string) (*ledger.InventoryLot, error) {
	query := `
		SELECT id, location_id, item_id, purchase_date, sequence, unit_cost,
			original_quantity, remaining_quantity, source_entry_id, created_at
		FROM inventory_lots
		WHERE id = $1`

	lot := &ledger.InventoryLot{}
	var sourceEntryID sql.NullString
	err := s.q.QueryRowContext(ctx, query, lotID).Scan(
		&lot.ID,
		&lot.LocationID,
		&lot.ItemID,
		&lot.PurchaseDate,
		&lot.Sequence,
		&lot.UnitCost,
		&lot.OriginalQuantity,
		&lot.RemainingQuantity,
		&sourceEntryID,
		&lot.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrLotNotFound
		}
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", err)
	}
	lot.SourceEntryID = sourceEntryID.String
	return lot, nil
}

// DeleteLot deletes a lot
// ロットを削除
func (s *PostgreSQLStorage) DeleteLot(ctx context.Context, lotID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM inventory_lots WHERE id = $1`, lotID)
	if err != nil {
		return fmt.Errorf("ロット削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrLotNotFound
	}
	return nil
}

// UpdateLotRemaining sets the remaining quantity of a lot
// ロットの残数量を更新
func (s *PostgreSQLStorage) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE inventory_lots SET remaining_quantity = $2 WHERE id = $1`, lotID, remaining)
	if err != nil {
		return fmt.Errorf("ロット残数量更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrLotNotFound
	}
	return nil
}

// LockLotsForConsumption locks the open lots of an item in FIFO order.
// Locks are always taken in the same global order to avoid deadlocks.
// 商品の残ロットをFIFO順でロックする。
// デッドロック回避のためロック順序は常に同一とする。
func (s *PostgreSQLStorage) LockLotsForConsumption(ctx context.Context, locationID, itemID string) ([]ledger.InventoryLot, error) {
	query := `
		SELECT id, location_id, item_id, purchase_date, sequence, unit_cost,
			original_quantity, remaining_quantity, source_entry_id, created_at
		FROM inventory_lots
		WHERE location_id = $1 AND item_id = $2 AND remaining_quantity > 0
		ORDER BY purchase_date ASC, sequence ASC
		FOR UPDATE`

	rows, err := s.q.QueryContext(ctx, query, locationID, itemID)
	if err != nil {
		return nil, fmt.Errorf("ロットのロック取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return s.collectLots(rows)
}

// ListAvailableLots lists the open lots of an item in FIFO order without locks
// 商品の残ロットをロックなしでFIFO順に取得
func (s *PostgreSQLStorage) ListAvailableLots(ctx context.Context, locationID, itemID string) ([]ledger.InventoryLot, error) {
	query := `
		SELECT id, location_id, item_id, purchase_date, sequence, unit_cost,
			original_quantity, remaining_quantity, source_entry_id, created_at
		FROM inventory_lots
		WHERE location_id = $1 AND item_id = $2 AND remaining_quantity > 0
		ORDER BY purchase_date ASC, sequence ASC`

	rows, err := s.q.QueryContext(ctx, query, locationID, itemID)
	if err != nil {
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return s.collectLots(rows)
}

// ListLotsBySourceEntry lists the lots created by one entry
// エントリが作成したロットを取得
func (s *PostgreSQLStorage) ListLotsBySourceEntry(ctx context.Context, entryID string) ([]ledger.InventoryLot, error) {
	query := `
		SELECT id, location_id, item_id, purchase_date, sequence, unit_cost,
			original_quantity, remaining_quantity, source_entry_id, created_at
		FROM inventory_lots
		WHERE source_entry_id = $1
		ORDER BY purchase_date ASC, sequence ASC`

	rows, err := s.q.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return s.collectLots(rows)
}

// 消費記録操作

// CreateConsumption creates a new consumption record
// 新しい消費記録を作成
func (s *PostgreSQLStorage) CreateConsumption(ctx context.Context, record *ledger.ConsumptionRecord) error {
	query := `
		INSERT INTO consumption_records (id, entry_id, lot_id, sequence, quantity, unit_cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.q.ExecContext(ctx, query,
		record.ID,
		record.EntryID,
		record.LotID,
		record.Sequence,
		record.Quantity,
		record.UnitCost,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("消費記録作成に失敗しました: %w", err)
	}
	return nil
}

// ListConsumptionsByEntry lists the consumption records of an entry in draw order
// エントリの消費記録を引当順に取得
func (s *PostgreSQLStorage) ListConsumptionsByEntry(ctx context.Context, entryID string) ([]ledger.ConsumptionRecord, error) {
	query := `
		SELECT id, entry_id, lot_id, sequence, quantity, unit_cost, created_at
		FROM consumption_records
		WHERE entry_id = $1
		ORDER BY sequence ASC`

	rows, err := s.q.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("消費記録取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []ledger.ConsumptionRecord
	for rows.Next() {
		var record ledger.ConsumptionRecord
		err := rows.Scan(
			&record.ID,
			&record.EntryID,
			&record.LotID,
			&record.Sequence,
			&record.Quantity,
			&record.UnitCost,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("消費記録のスキャンに失敗しました: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteConsumptionsByEntry deletes all consumption records of an entry
// エントリの消費記録をすべて削除
func (s *PostgreSQLStorage) DeleteConsumptionsByEntry(ctx context.Context, entryID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM consumption_records WHERE entry_id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("消費記録削除に失敗しました: %w", err)
	}
	return nil
}

// SumConsumedFromLots sums the consumed quantity across the given lots
// 指定ロット群からの総消費数量を集計
func (s *PostgreSQLStorage) SumConsumedFromLots(ctx context.Context, lotIDs []string) (decimal.Decimal, error) {
	if len(lotIDs) == 0 {
		return decimal.Zero, nil
	}

	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM consumption_records
		WHERE lot_id = ANY($1)`

	var total decimal.Decimal
	err := s.q.QueryRowContext(ctx, query, pq.Array(lotIDs)).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("消費数量集計に失敗しました: %w", err)
	}
	return total, nil
}

// 在庫イベント操作

// AppendEvent appends an inventory event. Events are never updated or deleted.
// 在庫イベントを追記する（更新・削除は行わない）
func (s *PostgreSQLStorage) AppendEvent(ctx context.Context, event *ledger.InventoryEvent) error {
	query := `
		INSERT INTO inventory_events (id, type, entry_id, lot_id, location_id, item_id,
			quantity_change, unit_cost, remaining_after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.q.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.EntryID,
		event.LotID,
		event.LocationID,
		event.ItemID,
		event.QuantityChange,
		event.UnitCost,
		event.RemainingAfter,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("在庫イベント追記に失敗しました: %w", err)
	}
	return nil
}

// ListEvents lists recent inventory events for an item at a location
// ロケーションの商品の在庫イベントを新しい順に取得
func (s *PostgreSQLStorage) ListEvents(ctx context.Context, locationID, itemID string, limit int) ([]ledger.InventoryEvent, error) {
	query := `
		SELECT id, type, entry_id, lot_id, location_id, item_id,
			quantity_change, unit_cost, remaining_after, occurred_at
		FROM inventory_events
		WHERE location_id = $1 AND item_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3`

	rows, err := s.q.QueryContext(ctx, query, locationID, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("在庫イベント取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []ledger.InventoryEvent
	for rows.Next() {
		var event ledger.InventoryEvent
		var eventType string
		err := rows.Scan(
			&event.ID,
			&eventType,
			&event.EntryID,
			&event.LotID,
			&event.LocationID,
			&event.ItemID,
			&event.QuantityChange,
			&event.UnitCost,
			&event.RemainingAfter,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("在庫イベントのスキャンに失敗しました: %w", err)
		}
		event.Type = ledger.EventType(eventType)
		events = append(events, event)
	}
	return events, rows.Err()
}

// 移動オペレーション操作

// CreateOperation creates a new transfer operation
// 新しい移動オペレーションを作成
func (s *PostgreSQLStorage) CreateOperation(ctx context.Context, op *ledger.TransferOperation) error {
	query := `
		INSERT INTO transfer_operations (id, batch_id, status, out_entry_id, in_entry_id,
			error_message, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.q.ExecContext(ctx, query,
		op.ID,
		op.BatchID,
		string(op.Status),
		op.OutEntryID,
		op.InEntryID,
		op.ErrorMessage,
		op.CreatedAt,
		op.CompletedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ledger.ErrDuplicateBatch
		}
		return fmt.Errorf("移動オペレーション作成に失敗しました: %w", err)
	}
	return nil
}

// GetOperationByBatch retrieves the transfer operation of a batch
// バッチの移動オペレーションを取得
func (s *PostgreSQLStorage) GetOperationByBatch(ctx context.Context, batchID string) (*ledger.TransferOperation, error) {
	query := `
		SELECT id, batch_id, status, out_entry_id, in_entry_id, error_message, created_at, completed_at
		FROM transfer_operations
		WHERE batch_id = $1`

	op := &ledger.TransferOperation{}
	var status string
	var outEntryID sql.NullString
	err := s.q.QueryRowContext(ctx, query, batchID).Scan(
		&op.ID,
		&op.BatchID,
		&status,
		&outEntryID,
		&op.InEntryID,
		&op.ErrorMessage,
		&op.CreatedAt,
		&op.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrOperationNotFound
		}
		return nil, fmt.Errorf("移動オペレーション取得に失敗しました: %w", err)
	}
	op.Status = ledger.TransferStatus(status)
	op.OutEntryID = outEntryID.String
	return op, nil
}

// UpdateOperation updates a transfer operation
// 移動オペレーションを更新
func (s *PostgreSQLStorage) UpdateOperation(ctx context.Context, op *ledger.TransferOperation) error {
	query := `
		UPDATE transfer_operations
		SET status = $2, in_entry_id = $3, error_message = $4, completed_at = $5
		WHERE id = $1`

	result, err := s.q.ExecContext(ctx, query,
		op.ID,
		string(op.Status),
		op.InEntryID,
		op.ErrorMessage,
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("移動オペレーション更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrOperationNotFound
	}
	return nil
}

// 移動ワークフロー操作

// CreateWorkflow creates a workflow with its item lines
// ワークフローと明細を作成
func (s *PostgreSQLStorage) CreateWorkflow(ctx context.Context, wf *ledger.TransferWorkflow, items []ledger.TransferWorkflowItem) error {
	return s.WithinTx(ctx, func(tx ledger.Storage) error {
		scoped := tx.(*PostgreSQLStorage)

		query := `
			INSERT INTO transfer_workflows (id, batch_id, from_location_id, to_location_id, status,
				has_edits, confirmed_by_receiver, confirmed_by_sender, mutual_agreement,
				created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

		_, err := scoped.q.ExecContext(ctx, query,
			wf.ID,
			wf.BatchID,
			wf.FromLocationID,
			wf.ToLocationID,
			string(wf.Status),
			wf.HasEdits,
			wf.ConfirmedByReceiver,
			wf.ConfirmedBySender,
			wf.MutualAgreement,
			wf.CreatedBy,
			wf.CreatedAt,
			wf.UpdatedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return ledger.ErrDuplicateBatch
			}
			return fmt.Errorf("ワークフロー作成に失敗しました: %w", err)
		}

		itemQuery := `
			INSERT INTO transfer_workflow_items (id, workflow_id, item_id, quantity, updated_at)
			VALUES ($1, $2, $3, $4, $5)`
		for i := range items {
			item := &items[i]
			_, err := scoped.q.ExecContext(ctx, itemQuery,
				item.ID, item.WorkflowID, item.ItemID, item.Quantity, item.UpdatedAt)
			if err != nil {
				return fmt.Errorf("ワークフロー明細作成に失敗しました: %w", err)
			}
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow by ID
// IDでワークフローを取得
func (s *PostgreSQLStorage) GetWorkflow(ctx context.Context, workflowID string) (*ledger.TransferWorkflow, error) {
	query := `
		SELECT id, batch_id, from_location_id, to_location_id, status,
			has_edits, confirmed_by_receiver, confirmed_by_sender, mutual_agreement,
			created_by, created_at, updated_at
		FROM transfer_workflows
		WHERE id = $1`

	wf := &ledger.TransferWorkflow{}
	var status string
	err := s.q.QueryRowContext(ctx, query, workflowID).Scan(
		&wf.ID,
		&wf.BatchID,
		&wf.FromLocationID,
		&wf.ToLocationID,
		&status,
		&wf.HasEdits,
		&wf.ConfirmedByReceiver,
		&wf.ConfirmedBySender,
		&wf.MutualAgreement,
		&wf.CreatedBy,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("ワークフロー取得に失敗しました: %w", err)
	}
	wf.Status = ledger.WorkflowStatus(status)
	return wf, nil
}

// UpdateWorkflowStatus advances the workflow status only when the current
// status matches the expectation (check-then-set)
// 現在のステータスが期待と一致する場合のみ遷移する（check-then-set）
func (s *PostgreSQLStorage) UpdateWorkflowStatus(ctx context.Context, workflowID string, expected, next ledger.WorkflowStatus) error {
	query := `
		UPDATE transfer_workflows
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`

	result, err := s.q.ExecContext(ctx, query, workflowID, string(expected), string(next), time.Now())
	if err != nil {
		return fmt.Errorf("ワークフローステータス更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		// 競合内容を返すため実際のステータスを読み直す
		current, err := s.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		return ledger.NewWorkflowStateConflictError(workflowID, expected, current.Status)
	}
	return nil
}

// UpdateWorkflowFlags updates the confirmation and edit flags of a workflow
// ワークフローの確認・修正フラグを更新
func (s *PostgreSQLStorage) UpdateWorkflowFlags(ctx context.Context, wf *ledger.TransferWorkflow) error {
	query := `
		UPDATE transfer_workflows
		SET has_edits = $2, confirmed_by_receiver = $3, confirmed_by_sender = $4,
			mutual_agreement = $5, updated_at = $6
		WHERE id = $1`

	result, err := s.q.ExecContext(ctx, query,
		wf.ID,
		wf.HasEdits,
		wf.ConfirmedByReceiver,
		wf.ConfirmedBySender,
		wf.MutualAgreement,
		wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ワークフロー更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrWorkflowNotFound
	}
	return nil
}

// ListWorkflowItems lists the item lines of a workflow
// ワークフローの明細を取得
func (s *PostgreSQLStorage) ListWorkflowItems(ctx context.Context, workflowID string) ([]ledger.TransferWorkflowItem, error) {
	query := `
		SELECT id, workflow_id, item_id, quantity, updated_at
		FROM transfer_workflow_items
		WHERE workflow_id = $1
		ORDER BY item_id`

	rows, err := s.q.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("ワークフロー明細取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []ledger.TransferWorkflowItem
	for rows.Next() {
		var item ledger.TransferWorkflowItem
		err := rows.Scan(&item.ID, &item.WorkflowID, &item.ItemID, &item.Quantity, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("ワークフロー明細のスキャンに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateWorkflowItemQuantity sets the effective quantity of one item line
// 明細の有効数量を更新
func (s *PostgreSQLStorage) UpdateWorkflowItemQuantity(ctx context.Context, workflowID, itemID string, quantity decimal.Decimal) error {
	query := `
		UPDATE transfer_workflow_items
		SET quantity = $3, updated_at = $4
		WHERE workflow_id = $1 AND item_id = $2`

	result, err := s.q.ExecContext(ctx, query, workflowID, itemID, quantity, time.Now())
	if err != nil {
		return fmt.Errorf("明細数量更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return ledger.ErrWorkflowItemNotFound
	}
	return nil
}

// CreateItemEdit appends one quantity correction record
// 数量修正記録を追記
func (s *PostgreSQLStorage) CreateItemEdit(ctx context.Context, edit *ledger.TransferItemEdit) error {
	query := `
		INSERT INTO transfer_item_edits (id, workflow_id, item_id, original_quantity,
			edited_quantity, edited_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.q.ExecContext(ctx, query,
		edit.ID,
		edit.WorkflowID,
		edit.ItemID,
		edit.OriginalQuantity,
		edit.EditedQuantity,
		edit.EditedBy,
		edit.Reason,
		edit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("数量修正記録に失敗しました: %w", err)
	}
	return nil
}

// ListItemEdits lists the quantity corrections of a workflow in order
// ワークフローの数量修正を時系列で取得
func (s *PostgreSQLStorage) ListItemEdits(ctx context.Context, workflowID string) ([]ledger.TransferItemEdit, error) {
	query := `
		SELECT id, workflow_id, item_id, original_quantity, edited_quantity, edited_by, reason, created_at
		FROM transfer_item_edits
		WHERE workflow_id = $1
		ORDER BY created_at ASC`

	rows, err := s.q.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("数量修正取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var edits []ledger.TransferItemEdit
	for rows.Next() {
		var edit ledger.TransferItemEdit
		err := rows.Scan(
			&edit.ID,
			&edit.WorkflowID,
			&edit.ItemID,
			&edit.OriginalQuantity,
			&edit.EditedQuantity,
			&edit.EditedBy,
			&edit.Reason,
			&edit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("数量修正のスキャンに失敗しました: %w", err)
		}
		edits = append(edits, edit)
	}
	return edits, rows.Err()
}

// AppendApprovalHistory appends one approval history row
// 承認履歴を追記
func (s *PostgreSQLStorage) AppendApprovalHistory(ctx context.Context, h *ledger.ApprovalHistory) error {
	query := `
		INSERT INTO transfer_approval_history (id, workflow_id, from_status, to_status,
			actor, actor_side, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.q.ExecContext(ctx, query,
		h.ID,
		h.WorkflowID,
		string(h.FromStatus),
		string(h.ToStatus),
		h.Actor,
		string(h.ActorSide),
		h.Note,
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("承認履歴追記に失敗しました: %w", err)
	}
	return nil
}

// ListApprovalHistory lists the approval history of a workflow in order
// ワークフローの承認履歴を時系列で取得
func (s *PostgreSQLStorage) ListApprovalHistory(ctx context.Context, workflowID string) ([]ledger.ApprovalHistory, error) {
	query := `
		SELECT id, workflow_id, from_status, to_status, actor, actor_side, note, created_at
		FROM transfer_approval_history
		WHERE workflow_id = $1
		ORDER BY created_at ASC`

	rows, err := s.q.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("承認履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var history []ledger.ApprovalHistory
	for rows.Next() {
		var h ledger.ApprovalHistory
		var fromStatus, toStatus, side string
		err := rows.Scan(
			&h.ID,
			&h.WorkflowID,
			&fromStatus,
			&toStatus,
			&h.Actor,
			&side,
			&h.Note,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("承認履歴のスキャンに失敗しました: %w", err)
		}
		h.FromStatus = ledger.WorkflowStatus(fromStatus)
		h.ToStatus = ledger.WorkflowStatus(toStatus)
		h.ActorSide = ledger.ActorSide(side)
		history = append(history, h)
	}
	return history, rows.Err()
}

// Ping checks database connectivity
// データベース接続を確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// ヘルパーメソッド

// scanEntry scans one ledger entry row
// 台帳エントリ1行をスキャン
func (s *PostgreSQLStorage) scanEntry(row *sql.Row) (*ledger.LedgerEntry, error) {
	entry := &ledger.LedgerEntry{}
	var movementType string
	var unitPrice decimal.NullDecimal
	err := row.Scan(
		&entry.ID,
		&movementType,
		&entry.LocationID,
		&entry.ItemID,
		&entry.Quantity,
		&unitPrice,
		&entry.EntryDate,
		&entry.BatchID,
		&entry.ToLocationID,
		&entry.FromLocationID,
		&entry.RelatedEntryID,
		&entry.Notes,
		&entry.CreatedAt,
		&entry.CreatedBy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("台帳エントリ取得に失敗しました: %w", err)
	}
	entry.MovementType = ledger.MovementType(movementType)
	if unitPrice.Valid {
		entry.UnitPrice = &unitPrice.Decimal
	}
	return entry, nil
}

// collectEntries scans all entry rows
// 台帳エントリの全行をスキャン
func (s *PostgreSQLStorage) collectEntries(rows *sql.Rows) ([]ledger.LedgerEntry, error) {
	var entries []ledger.LedgerEntry
	for rows.Next() {
		var entry ledger.LedgerEntry
		var movementType string
		var unitPrice decimal.NullDecimal
		err := rows.Scan(
			&entry.ID,
			&movementType,
			&entry.LocationID,
			&entry.ItemID,
			&entry.Quantity,
			&unitPrice,
			&entry.EntryDate,
			&entry.BatchID,
			&entry.ToLocationID,
			&entry.FromLocationID,
			&entry.RelatedEntryID,
			&entry.Notes,
			&entry.CreatedAt,
			&entry.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("台帳エントリのスキャンに失敗しました: %w", err)
		}
		entry.MovementType = ledger.MovementType(movementType)
		if unitPrice.Valid {
			entry.UnitPrice = &unitPrice.Decimal
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// collectLots scans all lot rows
// ロットの全行をスキャン
func (s *PostgreSQLStorage) collectLots(rows *sql.Rows) ([]ledger.InventoryLot, error) {
	var lots []ledger.InventoryLot
	for rows.Next() {
		var lot ledger.InventoryLot
		var sourceEntryID sql.NullString
		err := rows.Scan(
			&lot.ID,
			&lot.LocationID,
			&lot.ItemID,
			&lot.PurchaseDate,
			&lot.Sequence,
			&lot.UnitCost,
			&lot.OriginalQuantity,
			&lot.RemainingQuantity,
			&sourceEntryID,
			&lot.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ロットのスキャンに失敗しました: %w", err)
		}
		lot.SourceEntryID = sourceEntryID.String
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// nullDecimal converts an optional decimal to its SQL representation
// 任意のdecimalをSQL表現へ変換
func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// nullString converts an empty string to SQL NULL
// 空文字列をSQL NULLへ変換
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
