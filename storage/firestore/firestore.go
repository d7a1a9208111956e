// Package firestore provides a Google Cloud Firestore implementation of entitlement.Store.
// Every read-modify-write runs in RunTransaction; subscriber ids are kept
// unique through a link document keyed by the subscriber id.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Storage implements entitlement.Store using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	subscribersCollection  string
	eventsCollection       string
	viewsCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection holds one document per user.
	// Default: "user_entitlements"
	EntitlementsCollection string

	// SubscribersCollection maps provider subscriber ids to users.
	// Default: "subscriber_links"
	SubscribersCollection string

	// EventsCollection is the processed event ledger.
	// Default: "subscription_events"
	EventsCollection string

	// ViewsCollection holds content view records.
	// Default: "affirmation_views"
	ViewsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "user_entitlements"
	}
	if config.SubscribersCollection == "" {
		config.SubscribersCollection = "subscriber_links"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "subscription_events"
	}
	if config.ViewsCollection == "" {
		config.ViewsCollection = "affirmation_views"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		subscribersCollection:  config.SubscribersCollection,
		eventsCollection:       config.EventsCollection,
		viewsCollection:        config.ViewsCollection,
	}, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(userID)
}

func (s *Storage) linkDoc(subscriberID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscribersCollection).Doc(subscriberID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrNotFound
	}
	return entitlementFromData(userID, snap.Data()), nil
}

// CreateEntitlement implements entitlement.Store
func (s *Storage) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.UserID == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}
	if _, err := s.userDoc(ent.UserID).Create(ctx, entitlementData(ent)); err != nil &&
		status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to create entitlement: %w", err)
	}
	return s.GetEntitlement(ctx, ent.UserID)
}

// LinkSubscriber implements entitlement.Store
func (s *Storage) LinkSubscriber(ctx context.Context, userID, subscriberID string) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		userSnap, err := tx.Get(s.userDoc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrNotFound
			}
			return err
		}
		linkSnap, err := tx.Get(s.linkDoc(subscriberID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if linkSnap != nil && linkSnap.Exists() {
			if owner := getString(linkSnap.Data(), "userId"); owner != userID {
				return entitlement.ErrConflict
			}
		}

		previous := getString(userSnap.Data(), "subscriberId")
		if previous != "" && previous != subscriberID {
			if err := tx.Delete(s.linkDoc(previous)); err != nil {
				return err
			}
		}
		if err := tx.Set(s.linkDoc(subscriberID), map[string]interface{}{"userId": userID}); err != nil {
			return err
		}
		return tx.Update(s.userDoc(userID), []firestore.Update{
			{Path: "subscriberId", Value: subscriberID},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) && !errors.Is(err, entitlement.ErrConflict) {
		return fmt.Errorf("failed to link subscriber: %w", err)
	}
	return err
}

// SetTimezone implements entitlement.Store
func (s *Storage) SetTimezone(ctx context.Context, userID, tz string) error {
	_, err := s.userDoc(userID).Update(ctx, []firestore.Update{
		{Path: "timezone", Value: tz},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitlement.ErrNotFound
		}
		return fmt.Errorf("failed to set timezone: %w", err)
	}
	return nil
}

// DeleteEntitlement implements entitlement.Store.
// The user and link documents go in one transaction; views and ledger
// references are cleaned up afterwards in batches.
func (s *Storage) DeleteEntitlement(ctx context.Context, userID string) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.userDoc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrNotFound
			}
			return err
		}
		if sub := getString(snap.Data(), "subscriberId"); sub != "" {
			if err := tx.Delete(s.linkDoc(sub)); err != nil {
				return err
			}
		}
		return tx.Delete(s.userDoc(userID))
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete entitlement: %w", err)
	}

	bw := s.client.BulkWriter(ctx)
	defer bw.End()

	views := s.client.Collection(s.viewsCollection).Where("userId", "==", userID).Documents(ctx)
	defer views.Stop()
	for {
		doc, err := views.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list views: %w", err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return fmt.Errorf("failed to delete view: %w", err)
		}
	}

	events := s.client.Collection(s.eventsCollection).Where("resolvedUserId", "==", userID).Documents(ctx)
	defer events.Stop()
	for {
		doc, err := events.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list ledger entries: %w", err)
		}
		if _, err := bw.Update(doc.Ref, []firestore.Update{{Path: "resolvedUserId", Value: ""}}); err != nil {
			return fmt.Errorf("failed to detach ledger entry: %w", err)
		}
	}
	return nil
}

// ConsumeDaily implements entitlement.Store with a transaction over the user document
func (s *Storage) ConsumeDaily(ctx context.Context, req *entitlement.ConsumeRequest) (*entitlement.ConsumeResult, error) {
	var result *entitlement.ConsumeResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ref := s.userDoc(req.UserID)
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrNotFound
			}
			return err
		}
		ent := entitlementFromData(req.UserID, snap.Data())

		today := entitlement.LocalDate(req.Now, ent.Timezone)
		ceiling := req.FreeLimit
		if ent.Tier.Premium() {
			ceiling = req.PaidLimit
		}

		count := ent.DailyCount
		switch {
		case ent.WindowDate != today:
			count = 1
		case count < ceiling:
			count++
		default:
			result = &entitlement.ConsumeResult{Allowed: false, Count: count, Tier: ent.Tier, WindowDate: today}
			return nil
		}

		result = &entitlement.ConsumeResult{Allowed: true, Count: count, Tier: ent.Tier, WindowDate: today}
		return tx.Update(ref, []firestore.Update{
			{Path: "dailyCount", Value: count},
			{Path: "windowDate", Value: today},
			{Path: "updatedAt", Value: req.Now.UTC()},
		})
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume daily quota: %w", err)
	}
	return result, nil
}

// ReleaseDaily implements entitlement.Store
func (s *Storage) ReleaseDaily(ctx context.Context, userID, windowDate string) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ref := s.userDoc(userID)
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrNotFound
			}
			return err
		}
		ent := entitlementFromData(userID, snap.Data())
		if ent.WindowDate != windowDate || ent.DailyCount <= 0 {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "dailyCount", Value: ent.DailyCount - 1},
		})
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to release daily quota: %w", err)
	}
	return nil
}

// HasProcessed implements entitlement.Store
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return snap.Exists(), nil
}

// ApplyEvent implements entitlement.Store.
// Reading the event document inside the transaction makes concurrent
// deliveries of one event conflict; the retry then sees it as a duplicate.
func (s *Storage) ApplyEvent(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	if req == nil || req.Entry.EventID == "" {
		return nil, fmt.Errorf("invalid apply request")
	}

	var result *entitlement.ApplyResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = &entitlement.ApplyResult{}
		entry := req.Entry

		eventSnap, err := tx.Get(s.eventDoc(entry.EventID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if eventSnap != nil && eventSnap.Exists() {
			result.Duplicate = true
			return nil
		}

		var ent *entitlement.Entitlement
		if entry.AppUserID != "" {
			linkSnap, err := tx.Get(s.linkDoc(entry.AppUserID))
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if linkSnap != nil && linkSnap.Exists() {
				userID := getString(linkSnap.Data(), "userId")
				userSnap, err := tx.Get(s.userDoc(userID))
				if err != nil && status.Code(err) != codes.NotFound {
					return err
				}
				if userSnap != nil && userSnap.Exists() {
					ent = entitlementFromData(userID, userSnap.Data())
					entry.ResolvedUserID = userID
				}
			}
		}

		if err := tx.Create(s.eventDoc(entry.EventID), ledgerData(&entry)); err != nil {
			return err
		}

		if ent == nil {
			return nil
		}
		result.UserID = ent.UserID
		result.PreviousTier = ent.Tier
		result.Changed = req.TransitionFor(ent.Tier).Apply(ent)
		result.Tier = ent.Tier
		if !result.Changed {
			return nil
		}

		var expiresAt interface{}
		if ent.ExpiresAt != nil {
			expiresAt = *ent.ExpiresAt
		}
		return tx.Update(s.userDoc(ent.UserID), []firestore.Update{
			{Path: "tier", Value: string(ent.Tier)},
			{Path: "expiresAt", Value: expiresAt},
			{Path: "productId", Value: ent.ProductID},
			{Path: "updatedAt", Value: entry.ProcessedAt},
		})
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return &entitlement.ApplyResult{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to apply event: %w", err)
	}
	return result, nil
}

// GetLedgerEntry implements entitlement.Store
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*entitlement.LedgerEntry, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return ledgerFromData(eventID, snap.Data()), nil
}

// RecordView implements entitlement.Store
func (s *Storage) RecordView(ctx context.Context, v *entitlement.View) error {
	_, err := s.client.Collection(s.viewsCollection).Doc(v.ID).Create(ctx, map[string]interface{}{
		"userId":        v.UserID,
		"affirmationId": v.AffirmationID,
		"source":        string(v.Source),
		"viewedAt":      v.ViewedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record view: %w", err)
	}
	return nil
}

// ViewDates implements entitlement.Store.
// Dates are derived client-side so no composite index is needed.
func (s *Storage) ViewDates(ctx context.Context, userID, tz string) ([]string, error) {
	iter := s.client.Collection(s.viewsCollection).Where("userId", "==", userID).Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]struct{})
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query view dates: %w", err)
		}
		seen[entitlement.LocalDate(getTime(doc.Data(), "viewedAt"), tz)] = struct{}{}
	}

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Ping implements entitlement.Store by reading a document that need not exist
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.eventDoc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func entitlementData(ent *entitlement.Entitlement) map[string]interface{} {
	tz := ent.Timezone
	if tz == "" {
		tz = entitlement.DefaultTimezone
	}
	data := map[string]interface{}{
		"subscriberId": ent.SubscriberID,
		"tier":         string(ent.Tier),
		"productId":    ent.ProductID,
		"dailyCount":   ent.DailyCount,
		"windowDate":   ent.WindowDate,
		"timezone":     tz,
		"createdAt":    ent.CreatedAt,
		"updatedAt":    ent.UpdatedAt,
	}
	if ent.ExpiresAt != nil {
		data["expiresAt"] = *ent.ExpiresAt
	}
	if ent.TrialEndsAt != nil {
		data["trialEndsAt"] = *ent.TrialEndsAt
	}
	return data
}

func entitlementFromData(userID string, data map[string]interface{}) *entitlement.Entitlement {
	ent := &entitlement.Entitlement{
		UserID:       userID,
		SubscriberID: getString(data, "subscriberId"),
		Tier:         entitlement.Tier(getString(data, "tier")),
		ProductID:    getString(data, "productId"),
		ExpiresAt:    getTimePtr(data, "expiresAt"),
		TrialEndsAt:  getTimePtr(data, "trialEndsAt"),
		DailyCount:   getInt(data, "dailyCount"),
		WindowDate:   getString(data, "windowDate"),
		Timezone:     getString(data, "timezone"),
		CreatedAt:    getTime(data, "createdAt"),
		UpdatedAt:    getTime(data, "updatedAt"),
	}
	if !ent.Tier.Valid() {
		ent.Tier = entitlement.TierFree
	}
	if ent.Timezone == "" {
		ent.Timezone = entitlement.DefaultTimezone
	}
	return ent
}

func ledgerData(e *entitlement.LedgerEntry) map[string]interface{} {
	data := map[string]interface{}{
		"eventType":             e.EventType,
		"appUserId":             e.AppUserID,
		"resolvedUserId":        e.ResolvedUserID,
		"productId":             e.ProductID,
		"transactionId":         e.TransactionID,
		"originalTransactionId": e.OriginalTransactionID,
		"currency":              e.Currency,
		"rawPayload":            []byte(e.RawPayload),
		"processedAt":           e.ProcessedAt,
	}
	if e.PurchasedAt != nil {
		data["purchasedAt"] = *e.PurchasedAt
	}
	if e.ExpirationAt != nil {
		data["expirationAt"] = *e.ExpirationAt
	}
	if e.Price != nil {
		data["price"] = *e.Price
	}
	return data
}

func ledgerFromData(eventID string, data map[string]interface{}) *entitlement.LedgerEntry {
	e := &entitlement.LedgerEntry{
		EventID:               eventID,
		EventType:             getString(data, "eventType"),
		AppUserID:             getString(data, "appUserId"),
		ResolvedUserID:        getString(data, "resolvedUserId"),
		ProductID:             getString(data, "productId"),
		TransactionID:         getString(data, "transactionId"),
		OriginalTransactionID: getString(data, "originalTransactionId"),
		PurchasedAt:           getTimePtr(data, "purchasedAt"),
		ExpirationAt:          getTimePtr(data, "expirationAt"),
		Currency:              getString(data, "currency"),
		ProcessedAt:           getTime(data, "processedAt"),
	}
	if raw, ok := data["rawPayload"].([]byte); ok {
		e.RawPayload = raw
	}
	switch v := data["price"].(type) {
	case float64:
		e.Price = &v
	case int64:
		f := float64(v)
		e.Price = &f
	}
	return e
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
