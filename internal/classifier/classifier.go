// Package classifier is the contract to the external vision service: submit
// image references plus an instruction, get back a small structured judgment
// or a typed failure.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind selects the shape of the result the service must return.
type Kind string

const (
	KindLabel    Kind = "label"
	KindYesNo    Kind = "yes_no"
	KindBox      Kind = "box"
	KindArtifact Kind = "artifact"
)

type Request struct {
	Images      []string `json:"images"`
	Instruction string   `json:"instruction"`
	Kind        Kind     `json:"response"`
	// Labels restricts KindLabel answers when non-empty.
	Labels []string `json:"labels,omitempty"`
}

// Box is a bounding box in percentages (0-100) of the image size.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Result struct {
	Label       string          `json:"label,omitempty"`
	Same        bool            `json:"same,omitempty"`
	Found       bool            `json:"found,omitempty"`
	Box         *Box            `json:"box,omitempty"`
	ArtifactRef string          `json:"artifact_ref,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Client is implemented by HTTPClient and by test fakes.
type Client interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// FailureKind classifies a failed call.
type FailureKind string

const (
	RateLimited     FailureKind = "RateLimited"
	PaymentRequired FailureKind = "PaymentRequired"
	ServerError     FailureKind = "ServerError"
	BadRequest      FailureKind = "BadRequest"
	Unknown         FailureKind = "Unknown"
)

// Error is a typed failure returned by the service.
type Error struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("classifier %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("classifier %s: %s", e.Kind, e.Message)
}

func (e *Error) Transient() bool {
	return e.Kind == RateLimited || e.Kind == ServerError
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(code int) FailureKind {
	switch {
	case code == 429:
		return RateLimited
	case code == 402:
		return PaymentRequired
	case code >= 500:
		return ServerError
	case code == 400 || code == 413 || code == 422:
		return BadRequest
	default:
		return Unknown
	}
}
