package entitlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

func TestClassifier_IsLifetime(t *testing.T) {
	cls := entitlement.Classifier{}
	assert.True(t, cls.IsLifetime("starlight_lifetime"))
	assert.True(t, cls.IsLifetime("LIFETIME_ACCESS"))
	assert.False(t, cls.IsLifetime("yearly_pro"))
	assert.False(t, cls.IsLifetime(""))

	custom := entitlement.Classifier{LifetimeMarker: "Forever"}
	assert.True(t, custom.IsLifetime("pro_forever"))
	assert.False(t, custom.IsLifetime("pro_lifetime"))
}

func TestNext_Table(t *testing.T) {
	exp := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	meta := func(product string, withExpiry bool) entitlement.EventMeta {
		m := entitlement.EventMeta{ID: "e", AppUserID: "rc", ProductID: product}
		if withExpiry {
			e := exp
			m.ExpiresAt = &e
		}
		return m
	}

	type want struct {
		tierSet bool
		tier    entitlement.Tier
		expiry  entitlement.ExpiryAction
	}

	tests := []struct {
		name string
		ev   entitlement.Event
		want want
	}{
		{"initial purchase", entitlement.Purchase{EventMeta: meta("yearly_pro", true), Kind: entitlement.PurchaseInitial},
			want{true, entitlement.TierPaid, entitlement.ExpirySet}},
		{"renewal", entitlement.Purchase{EventMeta: meta("monthly", true), Kind: entitlement.PurchaseRenewal},
			want{true, entitlement.TierPaid, entitlement.ExpirySet}},
		{"uncancellation", entitlement.Purchase{EventMeta: meta("monthly", true), Kind: entitlement.PurchaseUncancellation},
			want{true, entitlement.TierPaid, entitlement.ExpirySet}},
		{"product change to lifetime", entitlement.Purchase{EventMeta: meta("pro_Lifetime", false), Kind: entitlement.PurchaseProductChange},
			want{true, entitlement.TierLifetime, entitlement.ExpiryCleared}},
		{"purchase without expiry keeps expiry", entitlement.Purchase{EventMeta: meta("monthly", false), Kind: entitlement.PurchaseInitial},
			want{true, entitlement.TierPaid, entitlement.ExpiryUnchanged}},
		{"lifetime purchase with expiry sets it", entitlement.Purchase{EventMeta: meta("lifetime", true), Kind: entitlement.PurchaseInitial},
			want{true, entitlement.TierLifetime, entitlement.ExpirySet}},
		{"non renewing", entitlement.NonRenewingPurchase{EventMeta: meta("pack", true)},
			want{true, entitlement.TierLifetime, entitlement.ExpiryCleared}},
		{"expiration", entitlement.Expiration{EventMeta: meta("monthly", true)},
			want{true, entitlement.TierFree, entitlement.ExpiryCleared}},
		{"cancellation", entitlement.StatusUpdate{EventMeta: meta("monthly", true), Kind: entitlement.StatusCancellation},
			want{false, "", entitlement.ExpirySet}},
		{"billing issue", entitlement.StatusUpdate{EventMeta: meta("monthly", true), Kind: entitlement.StatusBillingIssue},
			want{false, "", entitlement.ExpirySet}},
		{"paused without expiry", entitlement.StatusUpdate{EventMeta: meta("monthly", false), Kind: entitlement.StatusSubscriptionPaused},
			want{false, "", entitlement.ExpiryUnchanged}},
		{"transfer", entitlement.Transfer{EventMeta: meta("", true)},
			want{false, "", entitlement.ExpiryUnchanged}},
		{"test", entitlement.TestEvent{EventMeta: meta("", false)},
			want{false, "", entitlement.ExpiryUnchanged}},
		{"unrecognized", entitlement.Unrecognized{EventMeta: meta("monthly", true)},
			want{false, "", entitlement.ExpiryUnchanged}},
	}

	for _, tt := range tests {
		for _, current := range []entitlement.Tier{entitlement.TierFree, entitlement.TierPaid, entitlement.TierLifetime} {
			t.Run(tt.name+"/"+string(current), func(t *testing.T) {
				tr := entitlement.Next(current, tt.ev, entitlement.Classifier{})

				assert.Equal(t, tt.want.tierSet, tr.Tier.Set)
				if tt.want.tierSet {
					assert.Equal(t, tt.want.tier, tr.Tier.Tier)
				}
				assert.Equal(t, tt.want.expiry, tr.Expiry.Action)
				if tt.want.expiry == entitlement.ExpirySet {
					assert.True(t, exp.Equal(tr.Expiry.At))
				}
				assert.Equal(t, current, tr.From)
			})
		}
	}
}

func TestNext_IgnoredEventsNeverMutate(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	for _, ev := range []entitlement.Event{
		entitlement.Transfer{EventMeta: entitlement.EventMeta{ProductID: "x", ExpiresAt: &exp}},
		entitlement.TestEvent{},
		entitlement.Unrecognized{EventMeta: entitlement.EventMeta{Type: "SOMETHING_NEW", ProductID: "x", ExpiresAt: &exp}},
	} {
		tr := entitlement.Next(entitlement.TierPaid, ev, entitlement.Classifier{})
		assert.True(t, tr.IsNoop())

		ent := &entitlement.Entitlement{Tier: entitlement.TierPaid, ProductID: "old"}
		assert.False(t, tr.Apply(ent))
		assert.Equal(t, entitlement.TierPaid, ent.Tier)
		assert.Equal(t, "old", ent.ProductID)
	}
}

func TestTransition_Apply(t *testing.T) {
	exp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ent := &entitlement.Entitlement{Tier: entitlement.TierFree}

	tr := entitlement.Transition{
		Tier:      entitlement.TierChange{Set: true, Tier: entitlement.TierPaid},
		Expiry:    entitlement.ExpiryChange{Action: entitlement.ExpirySet, At: exp},
		ProductID: "yearly_pro",
	}
	assert.True(t, tr.Apply(ent))
	assert.Equal(t, entitlement.TierPaid, ent.Tier)
	assert.Equal(t, exp, *ent.ExpiresAt)
	assert.Equal(t, "yearly_pro", ent.ProductID)

	assert.False(t, tr.Apply(ent), "applying the same transition twice changes nothing")

	clear := entitlement.Transition{
		Tier:   entitlement.TierChange{Set: true, Tier: entitlement.TierFree},
		Expiry: entitlement.ExpiryChange{Action: entitlement.ExpiryCleared},
	}
	assert.True(t, clear.Apply(ent))
	assert.Nil(t, ent.ExpiresAt)
	assert.Equal(t, entitlement.TierFree, ent.Tier)
}
