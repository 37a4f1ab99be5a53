package ledger

import (
	"github.com/shopspring/decimal"
)

// costScale is the decimal scale for unit costs and weighted prices
// 単位原価と加重平均単価の小数スケール
const costScale = 6

// quantityScale is the decimal scale for quantities
// 数量の小数スケール
const quantityScale = 3

// LotDraw is one planned draw against a single lot
// 単一ロットに対する引当計画1件
type LotDraw struct {
	LotID          string          `json:"lot_id"`          // ロットID
	Quantity       decimal.Decimal `json:"quantity"`        // 引当数量
	UnitCost       decimal.Decimal `json:"unit_cost"`       // ロット単位原価
	RemainingAfter decimal.Decimal `json:"remaining_after"` // 引当後のロット残数量
}

// ConsumptionPlan is the result of planning FIFO consumption in memory
// メモリ上でのFIFO消費計画の結果
// 計画の構築は純粋な計算であり、一切の書き込みを行わない
type ConsumptionPlan struct {
	Requested decimal.Decimal `json:"requested"` // 要求数量
	Draws     []LotDraw       `json:"draws"`     // ロット引当リスト（FIFO順）
}

// BuildConsumptionPlan computes the FIFO draws needed to cover the requested
// quantity from the given lots. The lots must already be in FIFO order
// (purchase date, then creation sequence). If total availability is short the
// plan fails as a whole and no partial plan is returned.
// 与えられたロット（FIFO順）から要求数量を賄う引当計画を算出する。
// 利用可能数量が不足する場合は部分計画を返さず全体を失敗させる。
func BuildConsumptionPlan(locationID, itemID string, lots []InventoryLot, requested decimal.Decimal) (*ConsumptionPlan, error) {
	if !requested.IsPositive() {
		return nil, NewValidationError("quantity", "数量は正の値である必要があります", requested.String())
	}

	// 不足チェックを先に行う（fail-fast、書き込みゼロ）
	available := decimal.Zero
	for i := range lots {
		available = available.Add(lots[i].RemainingQuantity)
	}
	if available.LessThan(requested) {
		return nil, NewInsufficientInventoryError(locationID, itemID, available, requested)
	}

	plan := &ConsumptionPlan{
		Requested: requested,
		Draws:     make([]LotDraw, 0, 4),
	}

	remaining := requested
	for i := range lots {
		if remaining.IsZero() {
			break
		}
		lot := &lots[i]
		if !lot.RemainingQuantity.IsPositive() {
			continue
		}

		draw := decimal.Min(lot.RemainingQuantity, remaining)
		plan.Draws = append(plan.Draws, LotDraw{
			LotID:          lot.ID,
			Quantity:       draw,
			UnitCost:       lot.UnitCost,
			RemainingAfter: lot.RemainingQuantity.Sub(draw),
		})
		remaining = remaining.Sub(draw)
	}

	return plan, nil
}

// TotalQuantity returns the sum of all planned draws
// 引当計画の合計数量を返す
func (p *ConsumptionPlan) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for i := range p.Draws {
		total = total.Add(p.Draws[i].Quantity)
	}
	return total
}

// WeightedUnitCost returns the quantity-weighted average cost of the plan.
// Intermediate products keep full precision; rounding happens only at the
// final division.
// 引当計画の数量加重平均原価を返す。
// 中間積は丸めず、最終の除算時のみ丸める。
func (p *ConsumptionPlan) WeightedUnitCost() decimal.Decimal {
	total := decimal.Zero
	quantity := decimal.Zero
	for i := range p.Draws {
		d := &p.Draws[i]
		total = total.Add(d.Quantity.Mul(d.UnitCost))
		quantity = quantity.Add(d.Quantity)
	}
	if quantity.IsZero() {
		return decimal.Zero
	}
	return total.DivRound(quantity, costScale)
}
