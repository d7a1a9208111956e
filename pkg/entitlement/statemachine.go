package entitlement

import (
	"strings"
	"time"
)

// DefaultLifetimeMarker is the product id substring that denotes a lifetime SKU
const DefaultLifetimeMarker = "lifetime"

// Classifier decides which products grant lifetime access
type Classifier struct {
	// LifetimeMarker is matched case-insensitively against product ids.
	// Default: "lifetime"
	LifetimeMarker string
}

// IsLifetime reports whether productID denotes a lifetime SKU
func (c Classifier) IsLifetime(productID string) bool {
	marker := c.LifetimeMarker
	if marker == "" {
		marker = DefaultLifetimeMarker
	}
	return strings.Contains(strings.ToLower(productID), strings.ToLower(marker))
}

// ExpiryAction says what a transition does to the expiry timestamp
type ExpiryAction int

const (
	ExpiryUnchanged ExpiryAction = iota
	ExpirySet
	ExpiryCleared
)

// TierChange is an optional new tier
type TierChange struct {
	Set  bool
	Tier Tier
}

// ExpiryChange is an optional change to the expiry timestamp
type ExpiryChange struct {
	Action ExpiryAction
	At     time.Time
}

// Transition is the effect of one event on an entitlement.
// The zero value changes nothing.
type Transition struct {
	From   Tier
	Tier   TierChange
	Expiry ExpiryChange

	// ProductID is recorded when non-empty
	ProductID string
}

// IsNoop reports whether the transition leaves the entitlement untouched
func (t Transition) IsNoop() bool {
	return !t.Tier.Set && t.Expiry.Action == ExpiryUnchanged && t.ProductID == ""
}

// Apply mutates ent according to the transition and reports whether anything changed
func (t Transition) Apply(ent *Entitlement) bool {
	changed := false
	if t.Tier.Set && ent.Tier != t.Tier.Tier {
		ent.Tier = t.Tier.Tier
		changed = true
	}
	switch t.Expiry.Action {
	case ExpirySet:
		if ent.ExpiresAt == nil || !ent.ExpiresAt.Equal(t.Expiry.At) {
			at := t.Expiry.At
			ent.ExpiresAt = &at
			changed = true
		}
	case ExpiryCleared:
		if ent.ExpiresAt != nil {
			ent.ExpiresAt = nil
			changed = true
		}
	}
	if t.ProductID != "" && ent.ProductID != t.ProductID {
		ent.ProductID = t.ProductID
		changed = true
	}
	return changed
}

// Next computes the transition for ev given the user's current tier.
// Tier and expiry are derived independently from the same event.
func Next(current Tier, ev Event, cls Classifier) Transition {
	t := Transition{From: current}

	switch e := ev.(type) {
	case Purchase:
		t.ProductID = e.ProductID
		lifetime := cls.IsLifetime(e.ProductID)
		if lifetime {
			t.Tier = TierChange{Set: true, Tier: TierLifetime}
		} else {
			t.Tier = TierChange{Set: true, Tier: TierPaid}
		}
		switch {
		case e.ExpiresAt != nil:
			t.Expiry = ExpiryChange{Action: ExpirySet, At: *e.ExpiresAt}
		case lifetime:
			t.Expiry = ExpiryChange{Action: ExpiryCleared}
		}

	case NonRenewingPurchase:
		t.ProductID = e.ProductID
		t.Tier = TierChange{Set: true, Tier: TierLifetime}
		t.Expiry = ExpiryChange{Action: ExpiryCleared}

	case Expiration:
		t.ProductID = e.ProductID
		t.Tier = TierChange{Set: true, Tier: TierFree}
		t.Expiry = ExpiryChange{Action: ExpiryCleared}

	case StatusUpdate:
		t.ProductID = e.ProductID
		if e.ExpiresAt != nil {
			t.Expiry = ExpiryChange{Action: ExpirySet, At: *e.ExpiresAt}
		}

	case Transfer, TestEvent, Unrecognized:
		// no effect on the entitlement
	}

	return t
}
