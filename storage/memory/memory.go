// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Storage implements entitlement.Store using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	entitlements map[string]*entitlement.Entitlement
	subscribers  map[string]string // subscriber id -> user id
	ledger       map[string]*entitlement.LedgerEntry
	views        []entitlement.View
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*entitlement.Entitlement),
		subscribers:  make(map[string]string),
		ledger:       make(map[string]*entitlement.LedgerEntry),
	}
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	return ent.Clone(), nil
}

// CreateEntitlement implements entitlement.Store
func (s *Storage) CreateEntitlement(_ context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.UserID == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entitlements[ent.UserID]; ok {
		return existing.Clone(), nil
	}
	if ent.SubscriberID != "" {
		if owner, taken := s.subscribers[ent.SubscriberID]; taken && owner != ent.UserID {
			return nil, entitlement.ErrConflict
		}
		s.subscribers[ent.SubscriberID] = ent.UserID
	}
	s.entitlements[ent.UserID] = ent.Clone()
	return ent.Clone(), nil
}

// LinkSubscriber implements entitlement.Store
func (s *Storage) LinkSubscriber(_ context.Context, userID, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return entitlement.ErrNotFound
	}
	if owner, taken := s.subscribers[subscriberID]; taken && owner != userID {
		return entitlement.ErrConflict
	}
	if ent.SubscriberID != "" {
		delete(s.subscribers, ent.SubscriberID)
	}
	ent.SubscriberID = subscriberID
	s.subscribers[subscriberID] = userID
	return nil
}

// SetTimezone implements entitlement.Store
func (s *Storage) SetTimezone(_ context.Context, userID, tz string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return entitlement.ErrNotFound
	}
	ent.Timezone = tz
	return nil
}

// DeleteEntitlement implements entitlement.Store
func (s *Storage) DeleteEntitlement(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return entitlement.ErrNotFound
	}
	if ent.SubscriberID != "" {
		delete(s.subscribers, ent.SubscriberID)
	}
	delete(s.entitlements, userID)

	kept := s.views[:0]
	for _, v := range s.views {
		if v.UserID != userID {
			kept = append(kept, v)
		}
	}
	s.views = kept

	for _, entry := range s.ledger {
		if entry.ResolvedUserID == userID {
			entry.ResolvedUserID = ""
		}
	}
	return nil
}

// ConsumeDaily implements entitlement.Store. The whole check-and-increment
// happens under the write lock.
func (s *Storage) ConsumeDaily(_ context.Context, req *entitlement.ConsumeRequest) (*entitlement.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[req.UserID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}

	today := entitlement.LocalDate(req.Now, ent.Timezone)
	count := ent.DailyCount
	if ent.WindowDate != today {
		count = 0
	}

	ceiling := req.FreeLimit
	if ent.Tier.Premium() {
		ceiling = req.PaidLimit
	}
	if count >= ceiling {
		return &entitlement.ConsumeResult{Allowed: false, Count: count, Tier: ent.Tier, WindowDate: today}, nil
	}

	ent.WindowDate = today
	ent.DailyCount = count + 1
	ent.UpdatedAt = req.Now
	return &entitlement.ConsumeResult{Allowed: true, Count: ent.DailyCount, Tier: ent.Tier, WindowDate: today}, nil
}

// ReleaseDaily implements entitlement.Store
func (s *Storage) ReleaseDaily(_ context.Context, userID, windowDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return entitlement.ErrNotFound
	}
	if ent.WindowDate == windowDate && ent.DailyCount > 0 {
		ent.DailyCount--
	}
	return nil
}

// HasProcessed implements entitlement.Store
func (s *Storage) HasProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ledger[eventID]
	return ok, nil
}

// ApplyEvent implements entitlement.Store
func (s *Storage) ApplyEvent(_ context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	if req == nil || req.Entry.EventID == "" {
		return nil, fmt.Errorf("invalid apply request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledger[req.Entry.EventID]; ok {
		return &entitlement.ApplyResult{Duplicate: true}, nil
	}

	result := &entitlement.ApplyResult{}
	entry := req.Entry

	if userID, ok := s.subscribers[entry.AppUserID]; ok && entry.AppUserID != "" {
		ent := s.entitlements[userID]
		result.UserID = userID
		result.PreviousTier = ent.Tier
		result.Changed = req.TransitionFor(ent.Tier).Apply(ent)
		if result.Changed {
			ent.UpdatedAt = entry.ProcessedAt
		}
		result.Tier = ent.Tier
		entry.ResolvedUserID = userID
	}

	s.ledger[entry.EventID] = &entry
	return result, nil
}

// GetLedgerEntry implements entitlement.Store
func (s *Storage) GetLedgerEntry(_ context.Context, eventID string) (*entitlement.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[eventID]
	if !ok {
		return nil, nil
	}
	c := *entry
	return &c, nil
}

// LedgerSize returns the number of processed events
func (s *Storage) LedgerSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// RecordView implements entitlement.Store
func (s *Storage) RecordView(_ context.Context, v *entitlement.View) error {
	if v == nil || v.AffirmationID == "" {
		return fmt.Errorf("invalid view")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v.UserID != "" {
		if _, ok := s.entitlements[v.UserID]; !ok {
			return entitlement.ErrNotFound
		}
	}
	s.views = append(s.views, *v)
	return nil
}

// ViewDates implements entitlement.Store
func (s *Storage) ViewDates(_ context.Context, userID, tz string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	dates := []string{}
	for _, v := range s.views {
		if v.UserID != userID || userID == "" {
			continue
		}
		d := entitlement.LocalDate(v.ViewedAt, tz)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Ping implements entitlement.Store
func (s *Storage) Ping(_ context.Context) error {
	return nil
}
