package api

import "github.com/rangekeeper/rangekeeper/pkg/engine"

// Response is the envelope of every API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Error is the error body. Code is the engine error code when there is one.
type Error struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Resource engine.ResourceID      `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Meta carries request metadata.
type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// CreateResourceRequest is the body of POST /api/v1/resources.
type CreateResourceRequest struct {
	Name        string              `json:"name" validate:"required"`
	Description string              `json:"description"`
	Type        engine.ResourceType `json:"type" validate:"required,oneof=os db app profiler"`
	Form        engine.ResourceForm `json:"form" validate:"required,oneof=single composite"`
	Level       int                 `json:"level" validate:"gte=0"`
	Sequence    int                 `json:"sequence" validate:"gte=0"`
	ParentID    engine.ResourceID   `json:"parent_id" validate:"gte=0"`
	Children    []engine.ResourceID `json:"children"`
	Labels      map[string]string   `json:"labels"`
	Attributes  map[string]string   `json:"attributes"`
}

// Spec converts the request to a registry spec.
func (r CreateResourceRequest) Spec() engine.ResourceSpec {
	return engine.ResourceSpec{
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		Form:        r.Form,
		Level:       r.Level,
		Sequence:    r.Sequence,
		ParentID:    r.ParentID,
		Children:    r.Children,
		Labels:      r.Labels,
		Attributes:  r.Attributes,
	}
}

// TransitionRequest is the body of POST /api/v1/resources/{id}/transitions.
type TransitionRequest struct {
	Trigger engine.Trigger `json:"trigger" validate:"required"`
	Detail  string         `json:"detail"`
}

// TransitionResponse reports the status after a transition.
type TransitionResponse struct {
	Resource *engine.Resource `json:"resource"`
	Changed  bool             `json:"changed"`
}

// RunRequest is the optional body of deploy and revoke. Without roots the
// whole registry is targeted.
type RunRequest struct {
	Roots []engine.ResourceID `json:"roots"`
}

// HealthRequest is the body of the health endpoints.
type HealthRequest struct {
	Healthy *bool  `json:"healthy" validate:"required"`
	Detail  string `json:"detail"`
}

// DeleteTreeResponse lists the resources deleted by a cascade, leaves first.
type DeleteTreeResponse struct {
	Deleted []engine.ResourceID `json:"deleted"`
}
