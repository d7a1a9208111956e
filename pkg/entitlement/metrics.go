package entitlement

import "time"

// Metrics defines the interface for tracking gate decisions and store performance.
type Metrics interface {
	// RecordQuotaDecision records the outcome of a quota gate check.
	RecordQuotaDecision(tier Tier, allowed bool)

	// RecordStorageOperation records the duration and status of a store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "entitlement").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaDecision(tier Tier, allowed bool)                                {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}

// observe records a store operation started at start. Use with defer and a named error.
func observe(m Metrics, operation string, start time.Time, err *error) {
	var e error
	if err != nil {
		e = *err
	}
	m.RecordStorageOperation(operation, time.Since(start), e)
}
