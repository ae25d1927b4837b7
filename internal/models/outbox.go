package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Outbox entry lifecycle: Pending -> Processing -> (Synced | Pending with
// retries++ | Error). Error is terminal.
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSynced     = "SYNCED"
	OutboxStatusError      = "ERROR"
)

const (
	MethodCreate  = "CREATE"
	MethodReplace = "REPLACE"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
)

// OutboxEntry is one locally committed mutation awaiting propagation to the
// remote store. Written by the API layer, consumed only by the drain.
type OutboxEntry struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Method string             `bson:"method"`

	// Target is the route the mutation hit ("/api/tickets/64a1...",
	// "abonos/registrar"); the resource name and, for deletes, the affected id
	// are derived from it and from Params.
	Target string `bson:"target"`

	// Document is the mutation body snapshot; for composite routes it is the
	// raw request payload and only its business keys are trusted.
	Document bson.M `bson:"document,omitempty"`

	Params OutboxParams `bson:"params,omitempty"`

	Status  string `bson:"status"`
	Retries int    `bson:"retries"`
	Error   string `bson:"error,omitempty"`

	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// OutboxParams carries the explicit addressing of the mutation.
type OutboxParams struct {
	ID     any    `bson:"id,omitempty"`
	Filter bson.M `bson:"filter,omitempty"`
	Bulk   bool   `bson:"bulk,omitempty"`
}
