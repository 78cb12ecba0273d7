// Package notify delivers run reports and daily summaries to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"autotrader/internal/domain"
)

// Level grades a message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Message is a notification ready for delivery.
type Message struct {
	Title string
	Body  string
	Level Level
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ---------------------------------------------------------------------------
// Log notifier
// ---------------------------------------------------------------------------

// LogNotifier writes messages to a slog logger.
type LogNotifier struct {
	log *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	switch msg.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, msg.Title, "body", msg.Body)
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

var _ Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// FormatReport renders an AggregateReport. The level is error when any run
// failed and warn when any run was partial.
func FormatReport(r domain.AggregateReport) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "total %d | success %d | partial %d | skipped %d | failed %d\n",
		r.Total, r.Succeeded, r.Partial, r.Skipped, r.Failed)
	for _, res := range r.Results {
		fmt.Fprintf(&b, "- %s: %s", displayName(res), res.Status)
		if res.Cycle > 0 {
			fmt.Fprintf(&b, " cycle %d", res.Cycle)
		}
		if res.SkipReason != "" {
			fmt.Fprintf(&b, " (%s)", res.SkipReason)
		}
		if len(res.Orders) > 0 {
			fmt.Fprintf(&b, " orders %d/%d", res.OrdersSubmitted, len(res.Orders))
		}
		if res.Error != "" {
			fmt.Fprintf(&b, " error: %s", res.Error)
		}
		b.WriteByte('\n')
	}

	level := LevelInfo
	switch {
	case r.Failed > 0:
		level = LevelError
	case r.Partial > 0:
		level = LevelWarn
	}
	return Message{
		Title: fmt.Sprintf("Daily run %s", r.Started.Format("2006-01-02")),
		Body:  strings.TrimRight(b.String(), "\n"),
		Level: level,
	}
}

func displayName(r domain.RunResult) string {
	if r.StrategyName != "" {
		return r.StrategyName
	}
	return fmt.Sprintf("strategy %d", r.StrategyID)
}

// StrategySummary is one line of the daily summary.
type StrategySummary struct {
	Name     string
	Code     domain.StrategyCode
	Symbol   string
	Cycle    int64
	Status   domain.SnapshotStatus
	Progress map[string]any
	Error    string
}

// summaryFields are the progress keys shown in a summary, in order.
var summaryFields = []string{
	"quantity", "current_v", "current_pool", "current_t", "avg_price",
	"investment", "equity", "realized_profit",
}

// FormatSummary renders the daily summary of active strategies.
func FormatSummary(title string, items []StrategySummary) Message {
	if len(items) == 0 {
		return Message{Title: title, Body: "no active strategies", Level: LevelInfo}
	}
	var b strings.Builder
	level := LevelInfo
	for _, it := range items {
		fmt.Fprintf(&b, "- %s [%s %s]", it.Name, it.Code, it.Symbol)
		if it.Cycle == 0 {
			b.WriteString(" not started\n")
			continue
		}
		fmt.Fprintf(&b, " cycle %d %s", it.Cycle, it.Status)
		for _, k := range summaryFields {
			if v, ok := it.Progress[k]; ok {
				fmt.Fprintf(&b, " %s=%v", k, v)
			}
		}
		if it.Error != "" {
			fmt.Fprintf(&b, " error: %s", it.Error)
			level = LevelWarn
		}
		b.WriteByte('\n')
	}
	return Message{Title: title, Body: strings.TrimRight(b.String(), "\n"), Level: level}
}
