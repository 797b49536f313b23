package drover

import "time"

// Entity carries the timestamps shared by all persisted drover records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch updates the entity's UpdatedAt timestamp.
func (e *Entity) Touch(now time.Time) { e.UpdatedAt = now }
