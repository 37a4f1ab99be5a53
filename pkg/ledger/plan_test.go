package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLot(id string, purchaseDate time.Time, sequence int64, cost, remaining string) InventoryLot {
	r := decimal.RequireFromString(remaining)
	return InventoryLot{
		ID:                id,
		LocationID:        "store-001",
		ItemID:            "item-001",
		PurchaseDate:      purchaseDate,
		Sequence:          sequence,
		UnitCost:          decimal.RequireFromString(cost),
		OriginalQuantity:  r,
		RemainingQuantity: r,
	}
}

func TestBuildConsumptionPlanSingleLot(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{testLot("lot-a", day, 1, "1.000", "10")}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(4))
	require.NoError(t, err)

	require.Len(t, plan.Draws, 1)
	assert.Equal(t, "lot-a", plan.Draws[0].LotID)
	assert.True(t, plan.Draws[0].Quantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, plan.Draws[0].RemainingAfter.Equal(decimal.NewFromInt(6)))
	assert.True(t, plan.TotalQuantity().Equal(decimal.NewFromInt(4)))
}

func TestBuildConsumptionPlanSpansLots(t *testing.T) {
	day1 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{
		testLot("lot-a", day1, 1, "1.000", "10"),
		testLot("lot-b", day2, 2, "1.500", "5"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(12))
	require.NoError(t, err)

	// 古いロットを使い切ってから次のロットへ
	require.Len(t, plan.Draws, 2)
	assert.Equal(t, "lot-a", plan.Draws[0].LotID)
	assert.True(t, plan.Draws[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, plan.Draws[0].RemainingAfter.IsZero())
	assert.Equal(t, "lot-b", plan.Draws[1].LotID)
	assert.True(t, plan.Draws[1].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, plan.Draws[1].RemainingAfter.Equal(decimal.NewFromInt(3)))
}

func TestWeightedUnitCost(t *testing.T) {
	day1 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{
		testLot("lot-a", day1, 1, "1.000", "10"),
		testLot("lot-b", day2, 2, "1.500", "5"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(12))
	require.NoError(t, err)

	// (10*1.000 + 2*1.500) / 12 = 13/12 = 1.083333（最終除算時のみ丸め）
	assert.Equal(t, "1.083333", plan.WeightedUnitCost().String())
}

func TestWeightedUnitCostSingleLot(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{testLot("lot-a", day, 1, "2.345678", "10")}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(3))
	require.NoError(t, err)

	// 単一ロットの場合はそのロットの原価そのまま
	assert.True(t, plan.WeightedUnitCost().Equal(decimal.RequireFromString("2.345678")))
}

func TestBuildConsumptionPlanSameDayUsesSequence(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{
		testLot("lot-first", day, 1, "1.000", "3"),
		testLot("lot-second", day, 2, "2.000", "3"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(4))
	require.NoError(t, err)

	require.Len(t, plan.Draws, 2)
	assert.Equal(t, "lot-first", plan.Draws[0].LotID)
	assert.True(t, plan.Draws[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "lot-second", plan.Draws[1].LotID)
	assert.True(t, plan.Draws[1].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestBuildConsumptionPlanSkipsExhaustedLots(t *testing.T) {
	day1 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	exhausted := testLot("lot-empty", day1, 1, "1.000", "5")
	exhausted.RemainingQuantity = decimal.Zero
	lots := []InventoryLot{
		exhausted,
		testLot("lot-open", day2, 2, "1.200", "8"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(5))
	require.NoError(t, err)

	require.Len(t, plan.Draws, 1)
	assert.Equal(t, "lot-open", plan.Draws[0].LotID)
}

func TestBuildConsumptionPlanInsufficient(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{
		testLot("lot-a", day, 1, "1.000", "10"),
		testLot("lot-b", day, 2, "1.500", "5"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.NewFromInt(20))
	assert.Nil(t, plan)

	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "store-001", insufficient.LocationID)
	assert.Equal(t, "item-001", insufficient.ItemID)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(15)))
	assert.True(t, insufficient.Requested.Equal(decimal.NewFromInt(20)))
}

func TestBuildConsumptionPlanRejectsNonPositive(t *testing.T) {
	_, err := BuildConsumptionPlan("store-001", "item-001", nil, decimal.Zero)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "quantity", validation.Field)

	_, err = BuildConsumptionPlan("store-001", "item-001", nil, decimal.NewFromInt(-1))
	require.ErrorAs(t, err, &validation)
}

func TestBuildConsumptionPlanFractionalQuantities(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lots := []InventoryLot{
		testLot("lot-a", day, 1, "0.850", "2.500"),
		testLot("lot-b", day, 2, "0.900", "2.500"),
	}

	plan, err := BuildConsumptionPlan("store-001", "item-001", lots, decimal.RequireFromString("3.250"))
	require.NoError(t, err)

	require.Len(t, plan.Draws, 2)
	assert.True(t, plan.Draws[0].Quantity.Equal(decimal.RequireFromString("2.500")))
	assert.True(t, plan.Draws[1].Quantity.Equal(decimal.RequireFromString("0.750")))
	assert.True(t, plan.TotalQuantity().Equal(decimal.RequireFromString("3.250")))
}
