package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// fakeStorage is an in-memory Storage implementation for tests.
// WithinTx snapshots the whole state and restores it on error, matching the
// rollback semantics of the real storage.
type fakeStorage struct {
	mu      sync.Mutex
	txDepth int

	entries      map[string]*LedgerEntry
	lots         map[string]*InventoryLot
	lotSeq       int64
	consumptions []ConsumptionRecord
	events       []InventoryEvent
	operations   map[string]*TransferOperation // batch_id -> op
	workflows    map[string]*TransferWorkflow
	items        []TransferWorkflowItem
	edits        []TransferItemEdit
	history      []ApprovalHistory

	// fault injection
	failCreateLotAt string // location_id whose lot creation fails
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		entries:    make(map[string]*LedgerEntry),
		lots:       make(map[string]*InventoryLot),
		operations: make(map[string]*TransferOperation),
		workflows:  make(map[string]*TransferWorkflow),
	}
}

type fakeSnapshot struct {
	entries      map[string]*LedgerEntry
	lots         map[string]*InventoryLot
	lotSeq       int64
	consumptions []ConsumptionRecord
	events       []InventoryEvent
	operations   map[string]*TransferOperation
	workflows    map[string]*TransferWorkflow
	items        []TransferWorkflowItem
	edits        []TransferItemEdit
	history      []ApprovalHistory
}

func (f *fakeStorage) snapshot() *fakeSnapshot {
	s := &fakeSnapshot{
		entries:    make(map[string]*LedgerEntry, len(f.entries)),
		lots:       make(map[string]*InventoryLot, len(f.lots)),
		lotSeq:     f.lotSeq,
		operations: make(map[string]*TransferOperation, len(f.operations)),
		workflows:  make(map[string]*TransferWorkflow, len(f.workflows)),
	}
	for k, v := range f.entries {
		c := *v
		s.entries[k] = &c
	}
	for k, v := range f.lots {
		c := *v
		s.lots[k] = &c
	}
	for k, v := range f.operations {
		c := *v
		s.operations[k] = &c
	}
	for k, v := range f.workflows {
		c := *v
		s.workflows[k] = &c
	}
	s.consumptions = append([]ConsumptionRecord(nil), f.consumptions...)
	s.events = append([]InventoryEvent(nil), f.events...)
	s.items = append([]TransferWorkflowItem(nil), f.items...)
	s.edits = append([]TransferItemEdit(nil), f.edits...)
	s.history = append([]ApprovalHistory(nil), f.history...)
	return s
}

func (f *fakeStorage) restore(s *fakeSnapshot) {
	f.entries = s.entries
	f.lots = s.lots
	f.lotSeq = s.lotSeq
	f.consumptions = s.consumptions
	f.events = s.events
	f.operations = s.operations
	f.workflows = s.workflows
	f.items = s.items
	f.edits = s.edits
	f.history = s.history
}

func (f *fakeStorage) WithinTx(ctx context.Context, fn func(tx Storage) error) error {
	f.mu.Lock()
	if f.txDepth > 0 {
		f.txDepth++
		f.mu.Unlock()
		err := fn(f)
		f.mu.Lock()
		f.txDepth--
		f.mu.Unlock()
		return err
	}
	snap := f.snapshot()
	f.txDepth = 1
	f.mu.Unlock()

	err := fn(f)

	f.mu.Lock()
	f.txDepth = 0
	if err != nil {
		f.restore(snap)
	}
	f.mu.Unlock()
	return err
}

func (f *fakeStorage) CreateEntry(ctx context.Context, entry *LedgerEntry) error {
	c := *entry
	f.entries[entry.ID] = &c
	return nil
}

func (f *fakeStorage) GetEntry(ctx context.Context, entryID string) (*LedgerEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	c := *entry
	return &c, nil
}

func (f *fakeStorage) UpdateEntryRelation(ctx context.Context, entryID, relatedEntryID string) error {
	entry, ok := f.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	related := relatedEntryID
	entry.RelatedEntryID = &related
	return nil
}

func (f *fakeStorage) DeleteEntry(ctx context.Context, entryID string) error {
	if _, ok := f.entries[entryID]; !ok {
		return ErrEntryNotFound
	}
	// 実スキーマと同じ参照整合性を模倣する
	for _, r := range f.consumptions {
		if r.EntryID == entryID {
			return errors.New("pq: 外部キー制約違反 consumption_records_entry_id_fkey")
		}
	}
	delete(f.entries, entryID)
	// ON DELETE SET NULL相当の参照切り離し
	for _, lot := range f.lots {
		if lot.SourceEntryID == entryID {
			lot.SourceEntryID = ""
		}
	}
	for _, op := range f.operations {
		if op.OutEntryID == entryID {
			op.OutEntryID = ""
		}
	}
	return nil
}

func (f *fakeStorage) ListEntries(ctx context.Context, locationID, itemID string, limit int) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range f.entries {
		if e.LocationID == locationID && e.ItemID == itemID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStorage) ListEntriesUntil(ctx context.Context, locationID, itemID string, until time.Time) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range f.entries {
		if e.LocationID == locationID && e.ItemID == itemID && !e.EntryDate.After(until) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryDate.Equal(out[j].EntryDate) {
			return out[i].EntryDate.Before(out[j].EntryDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStorage) GetEntryByBatchAndType(ctx context.Context, batchID string, movementType MovementType) (*LedgerEntry, error) {
	for _, e := range f.entries {
		if e.BatchID != nil && *e.BatchID == batchID && e.MovementType == movementType {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (f *fakeStorage) CreateLot(ctx context.Context, lot *InventoryLot) error {
	if f.failCreateLotAt != "" && lot.LocationID == f.failCreateLotAt {
		return errors.New("ロット作成に失敗しました")
	}
	f.lotSeq++
	lot.Sequence = f.lotSeq
	c := *lot
	f.lots[lot.ID] = &c
	return nil
}

func (f *fakeStorage) GetLot(ctx context.Context, lotID string) (*InventoryLot, error) {
	lot, ok := f.lots[lotID]
	if !ok {
		return nil, ErrLotNotFound
	}
	c := *lot
	return &c, nil
}

func (f *fakeStorage) DeleteLot(ctx context.Context, lotID string) error {
	if _, ok := f.lots[lotID]; !ok {
		return ErrLotNotFound
	}
	for _, r := range f.consumptions {
		if r.LotID == lotID {
			return errors.New("pq: 外部キー制約違反 consumption_records_lot_id_fkey")
		}
	}
	delete(f.lots, lotID)
	return nil
}

func (f *fakeStorage) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	lot, ok := f.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.RemainingQuantity = remaining
	return nil
}

func (f *fakeStorage) fifoLots(locationID, itemID string) []InventoryLot {
	var out []InventoryLot
	for _, lot := range f.lots {
		if lot.LocationID == locationID && lot.ItemID == itemID && lot.RemainingQuantity.IsPositive() {
			out = append(out, *lot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchaseDate.Equal(out[j].PurchaseDate) {
			return out[i].PurchaseDate.Before(out[j].PurchaseDate)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (f *fakeStorage) LockLotsForConsumption(ctx context.Context, locationID, itemID string) ([]InventoryLot, error) {
	return f.fifoLots(locationID, itemID), nil
}

func (f *fakeStorage) ListAvailableLots(ctx context.Context, locationID, itemID string) ([]InventoryLot, error) {
	return f.fifoLots(locationID, itemID), nil
}

func (f *fakeStorage) ListLotsBySourceEntry(ctx context.Context, entryID string) ([]InventoryLot, error) {
	var out []InventoryLot
	for _, lot := range f.lots {
		if lot.SourceEntryID == entryID {
			out = append(out, *lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeStorage) CreateConsumption(ctx context.Context, record *ConsumptionRecord) error {
	f.consumptions = append(f.consumptions, *record)
	return nil
}

func (f *fakeStorage) ListConsumptionsByEntry(ctx context.Context, entryID string) ([]ConsumptionRecord, error) {
	var out []ConsumptionRecord
	for _, r := range f.consumptions {
		if r.EntryID == entryID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeStorage) DeleteConsumptionsByEntry(ctx context.Context, entryID string) error {
	kept := f.consumptions[:0]
	for _, r := range f.consumptions {
		if r.EntryID != entryID {
			kept = append(kept, r)
		}
	}
	f.consumptions = kept
	return nil
}

func (f *fakeStorage) SumConsumedFromLots(ctx context.Context, lotIDs []string) (decimal.Decimal, error) {
	ids := make(map[string]bool, len(lotIDs))
	for _, id := range lotIDs {
		ids[id] = true
	}
	total := decimal.Zero
	for _, r := range f.consumptions {
		if ids[r.LotID] {
			total = total.Add(r.Quantity)
		}
	}
	return total, nil
}

func (f *fakeStorage) AppendEvent(ctx context.Context, event *InventoryEvent) error {
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeStorage) ListEvents(ctx context.Context, locationID, itemID string, limit int) ([]InventoryEvent, error) {
	var out []InventoryEvent
	for _, e := range f.events {
		if e.LocationID == locationID && e.ItemID == itemID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStorage) CreateOperation(ctx context.Context, op *TransferOperation) error {
	if _, ok := f.operations[op.BatchID]; ok {
		return ErrDuplicateBatch
	}
	c := *op
	f.operations[op.BatchID] = &c
	return nil
}

func (f *fakeStorage) GetOperationByBatch(ctx context.Context, batchID string) (*TransferOperation, error) {
	op, ok := f.operations[batchID]
	if !ok {
		return nil, ErrOperationNotFound
	}
	c := *op
	return &c, nil
}

func (f *fakeStorage) UpdateOperation(ctx context.Context, op *TransferOperation) error {
	for _, existing := range f.operations {
		if existing.ID == op.ID {
			c := *op
			f.operations[op.BatchID] = &c
			return nil
		}
	}
	return ErrOperationNotFound
}

func (f *fakeStorage) CreateWorkflow(ctx context.Context, wf *TransferWorkflow, items []TransferWorkflowItem) error {
	c := *wf
	f.workflows[wf.ID] = &c
	f.items = append(f.items, items...)
	return nil
}

func (f *fakeStorage) GetWorkflow(ctx context.Context, workflowID string) (*TransferWorkflow, error) {
	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	c := *wf
	return &c, nil
}

func (f *fakeStorage) UpdateWorkflowStatus(ctx context.Context, workflowID string, expected, next WorkflowStatus) error {
	wf, ok := f.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	if wf.Status != expected {
		return NewWorkflowStateConflictError(workflowID, expected, wf.Status)
	}
	wf.Status = next
	wf.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStorage) UpdateWorkflowFlags(ctx context.Context, in *TransferWorkflow) error {
	wf, ok := f.workflows[in.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.HasEdits = in.HasEdits
	wf.ConfirmedByReceiver = in.ConfirmedByReceiver
	wf.ConfirmedBySender = in.ConfirmedBySender
	wf.MutualAgreement = in.MutualAgreement
	wf.UpdatedAt = in.UpdatedAt
	return nil
}

func (f *fakeStorage) ListWorkflowItems(ctx context.Context, workflowID string) ([]TransferWorkflowItem, error) {
	var out []TransferWorkflowItem
	for _, item := range f.items {
		if item.WorkflowID == workflowID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (f *fakeStorage) UpdateWorkflowItemQuantity(ctx context.Context, workflowID, itemID string, quantity decimal.Decimal) error {
	for i := range f.items {
		if f.items[i].WorkflowID == workflowID && f.items[i].ItemID == itemID {
			f.items[i].Quantity = quantity
			f.items[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrWorkflowItemNotFound
}

func (f *fakeStorage) CreateItemEdit(ctx context.Context, edit *TransferItemEdit) error {
	f.edits = append(f.edits, *edit)
	return nil
}

func (f *fakeStorage) ListItemEdits(ctx context.Context, workflowID string) ([]TransferItemEdit, error) {
	var out []TransferItemEdit
	for _, e := range f.edits {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStorage) AppendApprovalHistory(ctx context.Context, h *ApprovalHistory) error {
	f.history = append(f.history, *h)
	return nil
}

func (f *fakeStorage) ListApprovalHistory(ctx context.Context, workflowID string) ([]ApprovalHistory, error) {
	var out []ApprovalHistory
	for _, h := range f.history {
		if h.WorkflowID == workflowID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStorage) Ping(ctx context.Context) error { return nil }
func (f *fakeStorage) Close() error                   { return nil }

var _ Storage = (*fakeStorage)(nil)
