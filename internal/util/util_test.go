package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"autotrader/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("rejected")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error {
		return errors.New("transient error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
}

func TestRateLimiterBlocksUntilCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q, want msg field", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestTradingCalendarNew(t *testing.T) {
	cal, err := NewTradingCalendar(domain.ExchangeNYSE)
	if err != nil {
		t.Fatalf("NewTradingCalendar returned error: %v", err)
	}
	if cal.Exchange() != domain.ExchangeNYSE {
		t.Errorf("Exchange() = %q, want %q", cal.Exchange(), domain.ExchangeNYSE)
	}

	if _, err := NewTradingCalendar("LSE"); err == nil {
		t.Error("NewTradingCalendar(LSE) should fail")
	}
	if _, err := NewTradingCalendar(domain.ExchangeKRX, "2026/01/01"); err == nil {
		t.Error("NewTradingCalendar with malformed holiday should fail")
	}
}

func TestTradingCalendarIsMarketOpen(t *testing.T) {
	cal, err := NewTradingCalendar(domain.ExchangeNASDAQ, "2026-07-03")
	if err != nil {
		t.Fatal(err)
	}
	ny := cal.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday midday", time.Date(2026, 10, 14, 12, 0, 0, 0, ny), true},
		{"at open", time.Date(2026, 10, 14, 9, 30, 0, 0, ny), true},
		{"at close", time.Date(2026, 10, 14, 16, 0, 0, 0, ny), false},
		{"before open", time.Date(2026, 10, 14, 9, 0, 0, 0, ny), false},
		{"saturday", time.Date(2026, 10, 17, 12, 0, 0, 0, ny), false},
		{"holiday", time.Date(2026, 7, 3, 12, 0, 0, 0, ny), false},
	}
	for _, tt := range tests {
		if got := cal.IsMarketOpen(tt.at); got != tt.want {
			t.Errorf("%s: IsMarketOpen = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTradingCalendarNextOpenClose(t *testing.T) {
	cal, err := NewTradingCalendar(domain.ExchangeKRX)
	if err != nil {
		t.Fatal(err)
	}
	seoul := cal.Location()

	// Friday after close rolls over the weekend to Monday.
	fri := time.Date(2026, 10, 16, 16, 0, 0, 0, seoul)
	wantOpen := time.Date(2026, 10, 19, 9, 0, 0, 0, seoul)
	if got := cal.NextOpen(fri); !got.Equal(wantOpen) {
		t.Errorf("NextOpen = %v, want %v", got, wantOpen)
	}

	midday := time.Date(2026, 10, 16, 10, 0, 0, 0, seoul)
	wantClose := time.Date(2026, 10, 16, 15, 30, 0, 0, seoul)
	if got := cal.NextClose(midday); !got.Equal(wantClose) {
		t.Errorf("NextClose = %v, want %v", got, wantClose)
	}
}

func TestTradingCalendarAcceptsOrders(t *testing.T) {
	cal, err := NewTradingCalendar(domain.ExchangeNYSE, "2026-11-26")
	if err != nil {
		t.Fatal(err)
	}
	ny := cal.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"pre-open", time.Date(2026, 10, 14, 5, 30, 0, 0, ny), true},
		{"midday", time.Date(2026, 10, 14, 12, 0, 0, 0, ny), true},
		{"after close", time.Date(2026, 10, 14, 16, 0, 0, 0, ny), false},
		{"holiday", time.Date(2026, 11, 26, 5, 30, 0, 0, ny), false},
		{"sunday", time.Date(2026, 10, 18, 5, 30, 0, 0, ny), false},
	}
	for _, tt := range tests {
		if got := cal.AcceptsOrders(tt.at); got != tt.want {
			t.Errorf("%s: AcceptsOrders = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{20, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := backoff(100*time.Millisecond, tt.attempt); got != tt.want {
			t.Errorf("backoff(100ms, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRateLimiterBurstAndRollback(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	rl := NewBurstRateLimiter(60, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if at, _ := rl.reserve(); !at.Equal(now) {
			t.Fatalf("reservation %d at %v, want immediate", i, at)
		}
	}
	at, tat := rl.reserve()
	if want := now.Add(time.Second); !at.Equal(want) {
		t.Errorf("fourth reservation at %v, want %v", at, want)
	}

	rl.cancel(tat)
	if again, _ := rl.reserve(); !again.Equal(at) {
		t.Errorf("reservation after cancel at %v, want %v", again, at)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}
}
