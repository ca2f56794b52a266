package entities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// OrderLoader pulls orders. The list payload already embeds items and
// shipping information, but payments live behind a per-order endpoint, so
// fetching folds them into each payload before it is handed on. That keeps
// the stored payload replayable: a later retry has everything the first
// attempt had.
type OrderLoader struct {
	restLoader
}

func NewOrderLoader(client *api.Client, pageSize int) *OrderLoader {
	return &OrderLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "orders",
		resource:   "orders",
		collection: "orders",
		order:      "date_created",
		deps:       []string{"contacts", "products"},
	}}
}

func (l *OrderLoader) FetchPage(ctx context.Context, cur loader.Cursor) (*api.Page, error) {
	page, err := l.restLoader.FetchPage(ctx, cur)
	if err != nil {
		return nil, err
	}
	for i, raw := range page.Items {
		page.Items[i] = l.attachPayments(ctx, raw)
	}
	return page, nil
}

func (l *OrderLoader) FetchByID(ctx context.Context, id string) (json.RawMessage, error) {
	raw, err := l.restLoader.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.attachPayments(ctx, raw), nil
}

// attachPayments folds the order's payments into its payload under the
// "payments" key. A failed payment fetch loads the order without them,
// matching how partial payment data is better than no order at all.
func (l *OrderLoader) attachPayments(ctx context.Context, raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == 0 {
		return raw
	}

	payments, err := l.client.ListSubresource(ctx, "orders", fmt.Sprintf("%d", probe.ID), "payments")
	if err != nil {
		logging.Warn("Loading order %d without payments: %v", probe.ID, err)
		return raw
	}

	merged, err := json.Marshal(payments)
	if err != nil {
		return raw
	}
	obj["payments"] = merged
	enriched, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return enriched
}

func (l *OrderLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID                 int64    `json:"id"`
		Title              *string  `json:"title"`
		Status             *string  `json:"status"`
		Recurring          *bool    `json:"recurring"`
		Total              *float64 `json:"total"`
		Notes              *string  `json:"notes"`
		Terms              *string  `json:"terms"`
		OrderType          *string  `json:"order_type"`
		SourceType         *string  `json:"source_type"`
		CreationDate       wireTime `json:"creation_date"`
		ModificationDate   wireTime `json:"modification_date"`
		OrderDate          wireTime `json:"order_date"`
		LeadAffiliateID    wireID   `json:"lead_affiliate_id"`
		SalesAffiliateID   wireID   `json:"sales_affiliate_id"`
		TotalPaid          *float64 `json:"total_paid"`
		TotalDue           *float64 `json:"total_due"`
		RefundTotal        *float64 `json:"refund_total"`
		AllowPayment       *bool    `json:"allow_payment"`
		AllowPaypal        *bool    `json:"allow_paypal"`
		InvoiceNumber      *int64   `json:"invoice_number"`
		ContactID          *int64   `json:"contact_id"`
		Contact            *wireRef `json:"contact"`
		ProductID          wireID   `json:"product_id"`
		SubscriptionPlanID wireID   `json:"subscription_plan_id"`

		OrderItems []struct {
			ID               int64    `json:"id"`
			JobRecurringID   *int64   `json:"jobRecurringId"`
			Name             *string  `json:"name"`
			Description      *string  `json:"description"`
			Type             *string  `json:"type"`
			Notes            *string  `json:"notes"`
			Quantity         *int64   `json:"quantity"`
			Cost             *float64 `json:"cost"`
			Price            *float64 `json:"price"`
			Discount         *float64 `json:"discount"`
			SpecialID        *int64   `json:"specialId"`
			SpecialAmount    *float64 `json:"specialAmount"`
			SpecialPctOrAmt  *int64   `json:"specialPctOrAmt"`
			Product          *wireRef `json:"product"`
			SubscriptionPlan *wireRef `json:"subscriptionPlan"`
		} `json:"order_items"`

		ShippingInformation *struct {
			FirstName        *string `json:"first_name"`
			MiddleName       *string `json:"middle_name"`
			LastName         *string `json:"last_name"`
			Company          *string `json:"company"`
			Phone            *string `json:"phone"`
			Street1          *string `json:"street1"`
			Street2          *string `json:"street2"`
			City             *string `json:"city"`
			State            *string `json:"state"`
			Zip              *string `json:"zip"`
			Country          *string `json:"country"`
			InvoiceToCompany *bool   `json:"invoice_to_company"`
		} `json:"shipping_information"`

		Payments []struct {
			ID                     int64    `json:"id"`
			Amount                 *float64 `json:"amount"`
			Note                   *string  `json:"note"`
			InvoiceID              *int64   `json:"invoice_id"`
			PaymentID              *int64   `json:"payment_id"`
			PayDate                wireTime `json:"pay_date"`
			PayStatus              *string  `json:"pay_status"`
			LastUpdated            wireTime `json:"last_updated"`
			SkipCommission         *bool    `json:"skip_commission"`
			RefundInvoicePaymentID *int64   `json:"refund_invoice_payment_id"`
		} `json:"payments"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("order payload has no id")
	}

	contactID := any(w.ContactID)
	if w.ContactID == nil {
		contactID = w.Contact.val()
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("title", w.Title)
	b.set("status", w.Status)
	b.set("recurring", w.Recurring)
	b.set("total", w.Total)
	b.set("notes", w.Notes)
	b.set("terms", w.Terms)
	b.set("order_type", w.OrderType)
	b.set("source_type", w.SourceType)
	b.set("creation_date", w.CreationDate.val())
	b.set("modification_date", w.ModificationDate.val())
	b.set("order_date", w.OrderDate.val())
	b.set("lead_affiliate_id", w.LeadAffiliateID.val())
	b.set("sales_affiliate_id", w.SalesAffiliateID.val())
	b.set("total_paid", w.TotalPaid)
	b.set("total_due", w.TotalDue)
	b.set("refund_total", w.RefundTotal)
	b.set("allow_payment", w.AllowPayment)
	b.set("allow_paypal", w.AllowPaypal)
	b.set("invoice_number", w.InvoiceNumber)
	b.set("contact_id", contactID)
	b.set("product_id", w.ProductID.val())
	b.set("subscription_plan_id", w.SubscriptionPlanID.val())

	children := make([]store.ChildSet, 0, 3)

	itemRows := make([][]any, 0, len(w.OrderItems))
	for _, item := range w.OrderItems {
		if item.ID == 0 {
			return nil, fmt.Errorf("order %d has an item without an id", w.ID)
		}
		itemRows = append(itemRows, []any{
			item.ID, w.ID, item.Product.val(), item.SubscriptionPlan.val(),
			item.JobRecurringID, item.Name, item.Description, item.Type, item.Notes,
			item.Quantity, item.Cost, item.Price, item.Discount,
			item.SpecialID, item.SpecialAmount, item.SpecialPctOrAmt,
		})
	}
	children = append(children, store.ChildSet{
		Table:        "order_items",
		ParentColumn: "order_id",
		ParentValue:  w.ID,
		Columns: []string{
			"id", "order_id", "product_id", "subscription_plan_id",
			"job_recurring_id", "name", "description", "type", "notes",
			"quantity", "cost", "price", "discount",
			"special_id", "special_amount", "special_pct_or_amt",
		},
		Rows: itemRows,
	})

	var shipRows [][]any
	if ship := w.ShippingInformation; ship != nil {
		shipRows = append(shipRows, []any{
			w.ID, ship.FirstName, ship.MiddleName, ship.LastName, ship.Company,
			ship.Phone, ship.Street1, ship.Street2, ship.City, ship.State,
			ship.Zip, ship.Country, ship.InvoiceToCompany,
		})
	}
	children = append(children, store.ChildSet{
		Table:        "shipping_information",
		ParentColumn: "order_id",
		ParentValue:  w.ID,
		Columns: []string{
			"order_id", "first_name", "middle_name", "last_name", "company",
			"phone", "street1", "street2", "city", "state",
			"zip", "country", "invoice_to_company",
		},
		Rows: shipRows,
	})

	paymentRows := make([][]any, 0, len(w.Payments))
	for _, payment := range w.Payments {
		if payment.ID == 0 {
			return nil, fmt.Errorf("order %d has a payment without an id", w.ID)
		}
		paymentRows = append(paymentRows, []any{
			payment.ID, w.ID, payment.Amount, payment.Note, payment.InvoiceID,
			payment.PaymentID, payment.PayDate.val(), payment.PayStatus,
			payment.LastUpdated.val(), payment.SkipCommission, payment.RefundInvoicePaymentID,
		})
	}
	children = append(children, store.ChildSet{
		Table:        "order_payments",
		ParentColumn: "order_id",
		ParentValue:  w.ID,
		Columns: []string{
			"id", "order_id", "amount", "note", "invoice_id",
			"payment_id", "pay_date", "pay_status",
			"last_updated", "skip_commission", "refund_invoice_payment_id",
		},
		Rows: paymentRows,
	})

	return &store.Record{
		Table:      "orders",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
		Children:   children,
	}, nil
}
