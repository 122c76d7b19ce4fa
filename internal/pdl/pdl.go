// Package pdl defines the product-publication collaborator and a
// publisher that writes signed forecast products to a blob bucket.
package pdl

import (
	"context"
	"encoding/json"
	"fmt"
)

// Product is one forecast product ready for distribution.
type Product struct {
	Source       string          `json:"source"`
	Type         string          `json:"type"`
	Code         string          `json:"code"`
	EventNetwork string          `json:"eventsource"`
	EventCode    string          `json:"eventsourcecode"`
	Reviewed     bool            `json:"reviewed"`
	UpdateTime   int64           `json:"update_time"`
	Payload      json.RawMessage `json:"payload"`
	Signature    []byte          `json:"signature,omitempty"`
}

// BuildRequest describes a product to build.
type BuildRequest struct {
	// EventID is the authoritative event id; products are filed under it.
	EventID      string
	EventNetwork string
	EventCode    string
	Reviewed     bool
	Payload      json.RawMessage
	UpdateTime   int64
}

// DeleteOutcome is the result of DeleteOldProducts.
type DeleteOutcome int

const (
	// DeleteNotFound means there was nothing to delete.
	DeleteNotFound DeleteOutcome = iota + 1
	// DeleteDeleted means all old products were deleted.
	DeleteDeleted
	// DeleteBlocked means a product newer than the cutoff exists.
	DeleteBlocked
	// DeleteForeign means a product from another source exists.
	DeleteForeign
	// DeleteIncomplete means some deletions failed and should be retried.
	DeleteIncomplete
)

func (o DeleteOutcome) String() string {
	switch o {
	case DeleteNotFound:
		return "not_found"
	case DeleteDeleted:
		return "deleted"
	case DeleteBlocked:
		return "blocked"
	case DeleteForeign:
		return "foreign"
	case DeleteIncomplete:
		return "incomplete"
	}
	return fmt.Sprintf("delete_outcome(%d)", int(o))
}

// DeleteResult reports what DeleteOldProducts found.
type DeleteResult struct {
	Outcome DeleteOutcome

	// UpdateTime is the newest update time seen among our products.
	UpdateTime int64

	// ForeignSource names the other source for DeleteForeign.
	ForeignSource string
}

// Publisher is the product-publication service. Transport failures are
// reported as fault.ExternalService errors.
type Publisher interface {
	// BuildProduct returns nil when a conflicting newer product exists.
	BuildProduct(ctx context.Context, req BuildRequest) (*Product, error)
	Sign(p *Product) error
	Send(ctx context.Context, p *Product) error

	// DeleteOldProducts removes our products for the event family whose
	// update time is at or before cutoff.
	DeleteOldProducts(ctx context.Context, eventIDs []string, cutoff int64) (DeleteResult, error)
}
