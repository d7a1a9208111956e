package entitlement

import "context"

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	var ent *Entitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		ent, e = s.store.GetEntitlement(ctx, userID)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) CreateEntitlement(ctx context.Context, ent *Entitlement) (*Entitlement, error) {
	var stored *Entitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		stored, e = s.store.CreateEntitlement(ctx, ent)
		return e
	})
	return stored, err
}

func (s *CircuitBreakerStore) LinkSubscriber(ctx context.Context, userID, subscriberID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.LinkSubscriber(ctx, userID, subscriberID)
	})
}

func (s *CircuitBreakerStore) SetTimezone(ctx context.Context, userID, tz string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.SetTimezone(ctx, userID, tz)
	})
}

func (s *CircuitBreakerStore) DeleteEntitlement(ctx context.Context, userID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.DeleteEntitlement(ctx, userID)
	})
}

func (s *CircuitBreakerStore) ConsumeDaily(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error) {
	var res *ConsumeResult
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.store.ConsumeDaily(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStore) ReleaseDaily(ctx context.Context, userID, windowDate string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.ReleaseDaily(ctx, userID, windowDate)
	})
}

func (s *CircuitBreakerStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var ok bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		ok, e = s.store.HasProcessed(ctx, eventID)
		return e
	})
	return ok, err
}

func (s *CircuitBreakerStore) ApplyEvent(ctx context.Context, req *ApplyRequest) (*ApplyResult, error) {
	var res *ApplyResult
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.store.ApplyEvent(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStore) GetLedgerEntry(ctx context.Context, eventID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entry, e = s.store.GetLedgerEntry(ctx, eventID)
		return e
	})
	return entry, err
}

func (s *CircuitBreakerStore) RecordView(ctx context.Context, v *View) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.RecordView(ctx, v)
	})
}

func (s *CircuitBreakerStore) ViewDates(ctx context.Context, userID, tz string) ([]string, error) {
	var dates []string
	err := s.cb.Execute(ctx, func() error {
		var e error
		dates, e = s.store.ViewDates(ctx, userID, tz)
		return e
	})
	return dates, err
}

// Ping bypasses the breaker so health checks see the backend's real state
func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
