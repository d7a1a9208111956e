package api

// Response is the success envelope
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// LinkRequest attaches a provider subscriber id to the caller
type LinkRequest struct {
	RevenueCatUserID string `json:"revenuecatUserId"`
}

// TimezoneRequest changes the caller's timezone
type TimezoneRequest struct {
	Timezone string `json:"timezone"`
}

// ViewRequest records a content view
type ViewRequest struct {
	Source string `json:"source"`
}

// DailyResponse reports the caller's remaining views for today
type DailyResponse struct {
	// RemainingViews is -1 for unlimited (premium) users
	RemainingViews  int  `json:"remainingViews"`
	RequiresPremium bool `json:"requiresPremium"`
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
