// Package services contains stateless domain services for the notification
// bounded context. They operate purely on domain types and know nothing about
// document engines or mail transports.
package services

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ghuser/notifier/services/notification/domain/events"
)

// ItemColumns is the header row of the order items table.
var ItemColumns = []string{"Product ID", "Product Name", "Description", "Price", "Stock", "Quantity"}

// OrderSummary is the document content for an order, independent of layout.
type OrderSummary struct {
	Title    string
	Details  []string   // order id, user id, customer email
	Heading  string     // section title above the items table
	Columns  []string   // header row
	Rows     [][]string // one row per item, cells aligned with Columns
	Total    decimal.Decimal
	TotalRow string
}

// SummarizeOrder assembles the order summary in a single pass over the items.
// Total is sum(price × quantity), rounded to cents.
func SummarizeOrder(evt events.OrderCreatedEvent) OrderSummary {
	rows := make([][]string, 0, len(evt.Items))
	total := decimal.Zero
	for _, item := range evt.Items {
		total = total.Add(item.Subtotal())
		rows = append(rows, []string{
			strconv.FormatInt(item.ProductID, 10),
			item.Name,
			item.Description,
			"$" + item.Price.StringFixed(2),
			strconv.Itoa(item.Stock),
			strconv.Itoa(item.Quantity),
		})
	}
	total = total.Round(2)

	return OrderSummary{
		Title: "Order Details",
		Details: []string{
			fmt.Sprintf("Order ID: %d", evt.OrderID),
			fmt.Sprintf("User ID: %d", evt.UserID),
			"Customer Email: " + evt.Email,
		},
		Heading:  "Order Items:",
		Columns:  ItemColumns,
		Rows:     rows,
		Total:    total,
		TotalRow: "Total Amount: " + FormatCurrency(total),
	}
}

// FormatCurrency renders an amount as dollars with grouped thousands and two
// decimals, e.g. "$1,234.50". Digits come from the decimal itself, so large
// totals keep their cents.
func FormatCurrency(amount decimal.Decimal) string {
	fixed := amount.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, cents, _ := strings.Cut(fixed, ".")
	return sign + "$" + groupThousands(whole) + "." + cents
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
