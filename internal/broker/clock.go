package broker

import (
	"time"

	"gexstream/pkg/types"
)

// SessionAt classifies a moment against the US equity trading day in
// the exchange timezone: pre-open 04:00-09:30, regular 09:30-16:00,
// after-hours 16:00-20:00, closed otherwise and on weekends. Holidays
// are not modeled; a holiday behaves like a quiet regular session.
func SessionAt(t time.Time) types.Session {
	et := t.In(types.ExchangeTZ())

	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return types.SessionClosed
	}

	mins := et.Hour()*60 + et.Minute()
	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return types.SessionPreOpen
	case mins >= 9*60+30 && mins < 16*60:
		return types.SessionRegular
	case mins >= 16*60 && mins < 20*60:
		return types.SessionAfterHours
	default:
		return types.SessionClosed
	}
}

// Now returns the current market clock snapshot.
func Now() types.Clock {
	t := time.Now()
	return types.Clock{Session: SessionAt(t), Now: t}
}
