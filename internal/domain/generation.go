package domain

import "time"

// GenerationRequest is the body of one generation attempt. Field names match
// the platform wire format. A fresh request carries no retry context; on
// automatic retry PreviousError holds the immediately preceding failure
// message and RetryAttempt the 1-based retry count.
type GenerationRequest struct {
	Code          string `json:"code"`
	APIName       string `json:"apiName"`
	APIID         string `json:"apiId"`
	EndpointURL   string `json:"endpointUrl"`
	PreviousError string `json:"previousError,omitempty"`
	RetryAttempt  int    `json:"retryAttempt,omitempty"`
}

// WithRetryContext returns a copy of the request augmented with the previous
// failure. The receiver is never mutated: requests are immutable once sent.
func (r GenerationRequest) WithRetryContext(prevErr string, attempt int) GenerationRequest {
	r.PreviousError = prevErr
	r.RetryAttempt = attempt
	return r
}

// SavedComponent is a test harness stored on the platform (and mirrored in
// the local cache) for one API identifier.
type SavedComponent struct {
	ComponentID  string    `json:"componentId"`
	APIID        string    `json:"apiId"`
	Code         string    `json:"componentCode"`
	CodeSnapshot string    `json:"codeSnapshot,omitempty"`
	Active       bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ComponentSummary is one row of the saved-component version list.
type ComponentSummary struct {
	ComponentID     string    `json:"id"`
	Active          bool      `json:"is_active"`
	GenerationCount int       `json:"generation_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ContainerStatus describes the deployed API's container, used by the
// troubleshooting surface.
type ContainerStatus struct {
	APIID   string `json:"apiId"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
	Image   string `json:"image,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}
