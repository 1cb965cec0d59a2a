package service

import "github.com/and161185/mam-keeper/internal/stanza"

// Variant describes how one archive protocol namespace frames its exchange.
type Variant struct {
	// Namespace of the query, result and fin elements.
	Namespace string
	// MidAck acknowledges the query with an empty IQ result before scheduling it.
	// Variants with a mid acknowledgement send the fin as a message; the others
	// carry it inside the IQ result.
	MidAck bool
	// StableIDs makes result ids the records' unique and stable stanza ids.
	StableIDs bool
}

var (
	MAM0 = Variant{Namespace: stanza.NSMAM0, MidAck: true}
	MAM1 = Variant{Namespace: stanza.NSMAM1}
	MAM2 = Variant{Namespace: stanza.NSMAM2, StableIDs: true}
)

// Variants returns every supported protocol variant, oldest first.
func Variants() []Variant {
	return []Variant{MAM0, MAM1, MAM2}
}

// FinInIQ reports whether the fin element is returned as the payload of the IQ result.
func (v Variant) FinInIQ() bool { return !v.MidAck }
