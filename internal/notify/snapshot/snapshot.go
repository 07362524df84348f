// Package snapshot serves the pull-style data pushed to a client on connect
// and on request: dashboard metrics and the current alert list.
package snapshot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"stockwire.com/internal/notify/event"
)

type Provider interface {
	DashboardMetrics(ctx context.Context) (DashboardMetrics, error)
	CurrentAlerts(ctx context.Context) ([]event.Alert, error)
}

type Revenue struct {
	Current  decimal.Decimal `json:"current"`
	Previous decimal.Decimal `json:"previous"`
	Trend    decimal.Decimal `json:"trend"` // 环比百分比
}

type DashboardMetrics struct {
	TotalProducts int64           `json:"totalProducts"`
	LowStockItems int64           `json:"lowStockItems"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	ActiveAlerts  int64           `json:"activeAlerts"`
	Revenue       Revenue         `json:"revenue"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}

// TrendPercent 计算环比，保留一位小数；previous 为 0 时返回 0
func TrendPercent(current, previous decimal.Decimal) decimal.Decimal {
	if previous.IsZero() {
		return decimal.Zero
	}
	return current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100)).Round(1)
}

// Static returns fixed values, used when no live source is configured.
type Static struct {
	Now func() time.Time
}

func (s Static) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Static) DashboardMetrics(context.Context) (DashboardMetrics, error) {
	cur, prev := decimal.NewFromInt(45000), decimal.NewFromInt(42000)
	return DashboardMetrics{
		TotalProducts: 1250,
		LowStockItems: 23,
		TotalValue:    decimal.NewFromInt(125000),
		ActiveAlerts:  5,
		Revenue: Revenue{
			Current:  cur,
			Previous: prev,
			Trend:    TrendPercent(cur, prev),
		},
		LastUpdated: s.now().UTC(),
	}, nil
}

func (s Static) CurrentAlerts(context.Context) ([]event.Alert, error) {
	ts := s.now().UTC()
	return []event.Alert{
		{
			ID:        "alert-1",
			Severity:  event.SeverityWarning,
			Title:     "Low Stock Alert",
			Message:   "Premium Coffee Beans is running low on stock",
			ProductID: "123e4567-e89b-12d3-a456-426614174000",
			Timestamp: ts,
		},
		{
			ID:        "alert-2",
			Severity:  event.SeverityInfo,
			Title:     "Reorder Recommendation",
			Message:   "Consider reordering Organic Green Tea based on sales trends",
			ProductID: "223e4567-e89b-12d3-a456-426614174001",
			Timestamp: ts,
		},
	}, nil
}
