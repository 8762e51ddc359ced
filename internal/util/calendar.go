package util

import (
	"time"
	_ "time/tzdata" // embedded zone database so day boundaries never depend on the host

	"gotothemoon/internal/domain"
)

var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// TradingCalendar maps instants onto trading days of a market.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{market: market, loc: newYork}
}

// Location returns the market's time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// TradingDay returns the YYYY-MM-DD exchange-local date of t.
func (tc *TradingCalendar) TradingDay(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

// IsRegularSession reports whether t falls within 09:30-16:00 exchange time
// on a weekday. Exchange holidays are not modelled.
func (tc *TradingCalendar) IsRegularSession(t time.Time) bool {
	lt := t.In(tc.loc)
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	minutes := lt.Hour()*60 + lt.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// TradingDay is a shorthand for the US equities calendar.
func TradingDay(t time.Time) string {
	return t.In(newYork).Format("2006-01-02")
}
