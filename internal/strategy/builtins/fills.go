package builtins

import "autotrader/internal/domain"

// effectiveFill returns the quantity and price an order actually traded at.
// A FILLED order without recorded fill data is taken as filled in full at
// its requested price.
func effectiveFill(o *domain.Order) (qty, price float64) {
	qty, price = o.Filled()
	if o.Status == domain.OrderStatusFilled && o.FilledQty == nil {
		qty = o.Qty
	}
	if qty > 0 && price <= 0 {
		price = o.Price
	}
	return qty, price
}
