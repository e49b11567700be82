package models

import "time"

// MaxGroupIteration is the last iteration of a revolution.
const MaxGroupIteration = 100

// FlowGroup is a named batch of flows executed together.
type FlowGroup struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"     validate:"required"`
	FlowIDs          []int64   `json:"flow_ids"`
	CurrentIteration int       `json:"current_iteration"`
	Revolutions      int       `json:"revolutions"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Advance increments the iteration, wrapping to 1 and counting a revolution past the maximum.
func (g *FlowGroup) Advance() {
	g.CurrentIteration++

	if g.CurrentIteration > MaxGroupIteration {
		g.CurrentIteration = 1
		g.Revolutions++
	}
}
