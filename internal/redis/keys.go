package redisx

import "fmt"

const ns = "tixalloc:v1"

func KeyEvent(eventID int64) string {
	return fmt.Sprintf("%s:event:%d", ns, eventID)
}

func KeyEventCounts(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:counts", ns, eventID)
}

func KeyEventAvailableSeats(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:seats:available", ns, eventID)
}

// EventKeys lists every cached view of an event.
func EventKeys(eventID int64) []string {
	return []string{
		KeyEvent(eventID),
		KeyEventCounts(eventID),
		KeyEventAvailableSeats(eventID),
	}
}

func KeyRateLimit(scope string) string {
	return fmt.Sprintf("%s:rl:%s", ns, scope)
}

func KeyIdemClaim(holderID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:claims:%d:%s", ns, holderID, idemKey)
}

func ChannelSeatsChanged() string {
	return ns + ":seats:changed"
}
