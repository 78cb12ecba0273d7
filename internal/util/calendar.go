package util

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"autotrader/internal/domain"
)

// session describes the regular trading hours of an exchange in its local
// time zone.
type session struct {
	tz          string
	openHour    int
	openMinute  int
	closeHour   int
	closeMinute int
}

var sessions = map[domain.Exchange]session{
	domain.ExchangeNYSE:   {tz: "America/New_York", openHour: 9, openMinute: 30, closeHour: 16},
	domain.ExchangeNASDAQ: {tz: "America/New_York", openHour: 9, openMinute: 30, closeHour: 16},
	domain.ExchangeAMEX:   {tz: "America/New_York", openHour: 9, openMinute: 30, closeHour: 16},
	domain.ExchangeKRX:    {tz: "Asia/Seoul", openHour: 9, closeHour: 15, closeMinute: 30},
}

// TradingCalendar provides market-hours awareness for a specific exchange.
// Weekends and any configured holidays are closed days. Early closes are not
// modelled; the broker's own clock is authoritative when one is available.
type TradingCalendar struct {
	exchange domain.Exchange
	sess     session
	loc      *time.Location
	holidays map[string]struct{}
}

// NewTradingCalendar creates a TradingCalendar for the given exchange.
// holidays are local calendar dates in YYYY-MM-DD form.
func NewTradingCalendar(exchange domain.Exchange, holidays ...string) (*TradingCalendar, error) {
	sess, ok := sessions[exchange]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
	loc, err := time.LoadLocation(sess.tz)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %s: %w", sess.tz, err)
	}
	tc := &TradingCalendar{
		exchange: exchange,
		sess:     sess,
		loc:      loc,
		holidays: make(map[string]struct{}, len(holidays)),
	}
	for _, h := range holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		tc.holidays[h] = struct{}{}
	}
	return tc, nil
}

// Exchange returns the exchange the calendar was built for.
func (tc *TradingCalendar) Exchange() domain.Exchange { return tc.exchange }

// Location returns the exchange's local time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsTradingDay reports whether the local date of t is a weekday that is not a
// configured holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := tc.holidays[local.Format("2006-01-02")]
	return !holiday
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	open, close := tc.sessionBounds(t)
	return !t.Before(open) && t.Before(close)
}

// AcceptsOrders reports whether the local date of t is a trading day whose
// session has not closed yet. Orders placed before the open (LOC, MOC) are
// accepted for that day's session.
func (tc *TradingCalendar) AcceptsOrders(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	_, close := tc.sessionBounds(t)
	return t.Before(close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	day := t
	for i := 0; i < 30; i++ {
		if tc.IsTradingDay(day) {
			open, _ := tc.sessionBounds(day)
			if !open.Before(t) {
				return open
			}
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	day := t
	for i := 0; i < 30; i++ {
		if tc.IsTradingDay(day) {
			_, close := tc.sessionBounds(day)
			if !close.Before(t) {
				return close
			}
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

func (tc *TradingCalendar) sessionBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(tc.loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, tc.sess.openHour, tc.sess.openMinute, 0, 0, tc.loc)
	close := time.Date(y, m, d, tc.sess.closeHour, tc.sess.closeMinute, 0, 0, tc.loc)
	return open, close
}

func (tc *TradingCalendar) nextDay(t time.Time) time.Time {
	local := t.In(tc.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, tc.loc)
}
