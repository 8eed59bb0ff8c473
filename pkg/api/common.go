package api

import "time"

// ------------------------------------------------------------------------------------------------
// General naming conventions:
// ------------------------------------------------------------------------------------------------
// - ...Status - the lifecycle enum of a stored object.
// - ...Detail - a read model joining an object with its children (used by aggregation).
// - ...Payload - the body of an event published to subscribers.
// - ...Ref - represents a reference to an object
// ------------------------------------------------------------------------------------------------

type Ref struct {
	ID string `json:"id" validate:"required"`
}

// Error represents an error response
type Error struct {
	MessageCode int    `json:"message_code"`
	Message     string `json:"message"`
	Trace       string `json:"trace"`
}

// Resource represents base resource fields
type Resource struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Usage is the cumulative spend of an experiment or iteration.
type Usage struct {
	TotalCost   float64 `json:"totalCost"`
	TotalTokens int64   `json:"totalTokens"`
}
