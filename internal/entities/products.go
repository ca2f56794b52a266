package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// ProductLoader pulls products with their embedded subscription plans and
// options. Plans are upserted in place rather than replaced: subscriptions
// and order items reference them by id, and a delete would cascade.
type ProductLoader struct {
	restLoader
}

func NewProductLoader(client *api.Client, pageSize int) *ProductLoader {
	return &ProductLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "products",
		resource:   "products",
		collection: "products",
		noSince:    true,
	}}
}

func (l *ProductLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID               int64    `json:"id"`
		SKU              *string  `json:"sku"`
		Active           *bool    `json:"active"`
		URL              *string  `json:"url"`
		ProductName      *string  `json:"product_name"`
		SubCategoryID    *int64   `json:"sub_category_id"`
		ProductDesc      *string  `json:"product_desc"`
		ProductPrice     *float64 `json:"product_price"`
		ProductShortDesc *string  `json:"product_short_desc"`
		SubscriptionOnly *bool    `json:"subscription_only"`
		Status           *int64   `json:"status"`

		SubscriptionPlans []struct {
			ID          int64    `json:"id"`
			Name        *string  `json:"name"`
			Description *string  `json:"description"`
			Frequency   *string  `json:"frequency"`
			Price       *float64 `json:"subscription_plan_price"`
		} `json:"subscription_plans"`
		ProductOptions []struct {
			Name        *string  `json:"name"`
			Price       *float64 `json:"price"`
			SKU         *string  `json:"sku"`
			Description *string  `json:"description"`
		} `json:"product_options"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding product: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("product payload has no id")
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("sku", strOr(w.SKU, ""))
	b.set("active", boolOr(w.Active, true))
	b.set("url", w.URL)
	b.set("product_name", w.ProductName)
	b.set("sub_category_id", intOr(w.SubCategoryID, 0))
	b.set("product_desc", w.ProductDesc)
	b.set("product_price", w.ProductPrice)
	b.set("product_short_desc", w.ProductShortDesc)
	b.set("subscription_only", boolOr(w.SubscriptionOnly, false))
	b.set("status", intOr(w.Status, 1))

	var children []store.ChildSet

	if len(w.SubscriptionPlans) > 0 {
		rows := make([][]any, 0, len(w.SubscriptionPlans))
		for _, plan := range w.SubscriptionPlans {
			if plan.ID == 0 {
				return nil, fmt.Errorf("subscription plan on product %d has no id", w.ID)
			}
			rows = append(rows, []any{plan.ID, w.ID, plan.Name, plan.Description, plan.Frequency, plan.Price})
		}
		children = append(children, store.ChildSet{
			Table:        "subscription_plans",
			ParentColumn: "product_id",
			ParentValue:  w.ID,
			KeyColumns:   []string{"id"},
			Columns:      []string{"id", "product_id", "name", "description", "frequency", "subscription_plan_price"},
			Rows:         rows,
		})
	}

	optRows := make([][]any, 0, len(w.ProductOptions))
	for _, opt := range w.ProductOptions {
		optRows = append(optRows, []any{w.ID, strOr(opt.Name, ""), opt.Price, opt.SKU, opt.Description})
	}
	children = append(children, store.ChildSet{
		Table:        "product_options",
		ParentColumn: "product_id",
		ParentValue:  w.ID,
		Columns:      []string{"product_id", "name", "price", "sku", "description"},
		Rows:         optRows,
	})

	return &store.Record{
		Table:      "products",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
		Children:   children,
	}, nil
}
