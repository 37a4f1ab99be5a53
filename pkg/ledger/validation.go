package ledger

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	if locationID == "" {
		return NewValidationError("location_id", "ロケーションIDが空です", locationID)
	}
	if len(locationID) > 255 {
		return NewValidationError("location_id", "ロケーションIDが長すぎます", locationID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !identifierPattern.MatchString(locationID) {
		return NewValidationError("location_id", "ロケーションIDに無効な文字が含まれています", locationID)
	}
	return nil
}

// ValidateItemID 商品IDの形式をバリデーション
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return NewValidationError("item_id", "商品IDが空です", itemID)
	}
	if len(itemID) > 255 {
		return NewValidationError("item_id", "商品IDが長すぎます", itemID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !identifierPattern.MatchString(itemID) {
		return NewValidationError("item_id", "商品IDに無効な文字が含まれています", itemID)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（正の値、小数3桁まで）
func ValidateQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError("quantity", "数量は正の値である必要があります", quantity.String())
	}
	if quantity.Exponent() < -quantityScale {
		return NewValidationError("quantity", "数量の小数桁数が多すぎます", quantity.String())
	}
	return nil
}

// ValidateUnitPrice 単価をバリデーション（正の値、小数6桁まで）
func ValidateUnitPrice(price *decimal.Decimal) error {
	if price == nil {
		return nil // 単価は任意
	}
	if !price.IsPositive() {
		return NewValidationError("unit_price", "単価は正の値である必要があります", price.String())
	}
	if price.Exponent() < -costScale {
		return NewValidationError("unit_price", "単価の小数桁数が多すぎます", price.String())
	}
	return nil
}

// ValidateEntryDate 計上日をバリデーション
func ValidateEntryDate(date time.Time) error {
	if date.IsZero() {
		return NewValidationError("entry_date", "計上日が指定されていません", "")
	}
	return nil
}

// ValidateActor 操作者をバリデーション
func ValidateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return NewValidationError("actor", "操作者が指定されていません", actor)
	}
	if len(actor) > 255 {
		return NewValidationError("actor", "操作者が長すぎます", actor)
	}
	return nil
}

// ValidateRecordRequest validates all fields of a record request including
// movement-type dependent direction rules
// 記録リクエスト全体をバリデーション（移動タイプ依存の方向ルールを含む）
func ValidateRecordRequest(req RecordRequest) error {
	if !req.MovementType.IsValid() {
		return NewValidationError("movement_type", "未知の移動タイプです", string(req.MovementType))
	}
	if req.MovementType == MovementTransferIn {
		return ErrDirectTransferIn
	}
	if err := ValidateLocationID(req.LocationID); err != nil {
		return err
	}
	if err := ValidateItemID(req.ItemID); err != nil {
		return err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	if err := ValidateUnitPrice(req.UnitPrice); err != nil {
		return err
	}
	if err := ValidateEntryDate(req.EntryDate); err != nil {
		return err
	}

	// 方向ルール: 移動出庫は移動先必須、それ以外は方向フィールド禁止
	switch req.MovementType {
	case MovementTransferOut:
		if req.ToLocationID == nil || *req.ToLocationID == "" {
			return NewTransferValidationError("missing_destination",
				"移動出庫には移動先ロケーションが必要です", req.LocationID)
		}
		if *req.ToLocationID == req.LocationID {
			return NewTransferValidationError("same_location",
				"移動元と移動先が同じです", req.LocationID)
		}
		if err := ValidateLocationID(*req.ToLocationID); err != nil {
			return err
		}
	default:
		if req.ToLocationID != nil {
			return NewTransferValidationError("unexpected_destination",
				"移動出庫以外で移動先は指定できません", string(req.MovementType))
		}
	}

	// 仕入は原価必須
	if req.MovementType == MovementSupply && req.UnitPrice == nil {
		return NewValidationError("unit_price", "仕入には単位原価が必要です", "")
	}

	return nil
}
