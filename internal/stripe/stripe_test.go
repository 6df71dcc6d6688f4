package stripe

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg := Config{BasePriceID: "price_base", AdditionalPriceID: "price_extra"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := (Config{AdditionalPriceID: "price_extra"}).Validate(); err == nil {
		t.Error("expected error with missing base price")
	}
	if err := (Config{BasePriceID: "price_base"}).Validate(); err == nil {
		t.Error("expected error with missing additional price")
	}
}

func TestCheckoutLineItems(t *testing.T) {
	cfg := Config{BasePriceID: "price_base", AdditionalPriceID: "price_extra"}

	tests := []struct {
		name      string
		count     int64
		wantExtra int64 // 0 means no additional-account item
	}{
		{"single account", 1, 0},
		{"two accounts", 2, 1},
		{"five accounts", 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := cfg.checkoutLineItems(tt.count)

			if *items[0].Price != "price_base" || *items[0].Quantity != 1 {
				t.Errorf("base item = %q qty %d, want price_base qty 1", *items[0].Price, *items[0].Quantity)
			}

			if tt.wantExtra == 0 {
				if len(items) != 1 {
					t.Fatalf("items = %d, want base item only", len(items))
				}
				return
			}
			if len(items) != 2 {
				t.Fatalf("items = %d, want 2", len(items))
			}
			if *items[1].Price != "price_extra" {
				t.Errorf("extra item price = %q, want price_extra", *items[1].Price)
			}
			if *items[1].Quantity != tt.wantExtra {
				t.Errorf("extra item quantity = %d, want %d", *items[1].Quantity, tt.wantExtra)
			}
		})
	}
}

func TestSubscriptionItemLookup(t *testing.T) {
	sub := Subscription{Items: []Item{
		{ID: "si_base", PriceID: "price_base", Quantity: 1},
		{ID: "si_extra", PriceID: "price_extra", Quantity: 3},
	}}

	if item := sub.ItemForPrice("price_extra"); item == nil || item.ID != "si_extra" {
		t.Errorf("ItemForPrice(price_extra) = %+v", item)
	}
	if item := sub.ItemForPrice("price_other"); item != nil {
		t.Errorf("ItemForPrice(price_other) = %+v, want nil", item)
	}
	if got := sub.QuantityForPrice("price_extra"); got != 3 {
		t.Errorf("QuantityForPrice(price_extra) = %d, want 3", got)
	}
	if got := sub.QuantityForPrice("price_other"); got != 0 {
		t.Errorf("QuantityForPrice(price_other) = %d, want 0", got)
	}
}
