package engine

import "github.com/google/uuid"

// IDGenerator produces server session ids and task submitter ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator yields UUIDv7 strings, which sort by creation time. The
// zero value is ready to use from any goroutine.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
