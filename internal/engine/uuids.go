package engine

import "github.com/google/uuid"

// UUIDGenerator mints the uuid stamped on each new process instance.
type UUIDGenerator interface {
	Generate() string
}

// V7UUIDs mints time-ordered UUIDv7 strings. The zero value is ready and
// safe for concurrent use.
type V7UUIDs struct{}

func (V7UUIDs) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("procflow: uuid source: " + err.Error())
	}
	return id.String()
}
