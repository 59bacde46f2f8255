// Package model defines the blueprint data model shared by the realtime
// client, the persistence client and the development server.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Point is one sampled location on the canvas.
type Point struct {
	X int `json:"x" validate:"gte=0"`
	Y int `json:"y" validate:"gte=0"`
}

// Validate checks that both coordinates are non-negative.
func (p Point) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: (%d, %d)", ErrInvalidPoint, p.X, p.Y)
	}
	return nil
}

// ValidatePoints validates every point of a sequence.
func ValidatePoints(points []Point) error {
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Blueprint is an ordered point sequence identified by (Author, Name).
type Blueprint struct {
	Author string  `json:"author,omitempty"`
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// PointsToJSON encodes the point sequence for storage.
func (b *Blueprint) PointsToJSON() (string, error) {
	points := b.Points
	if points == nil {
		points = []Point{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PointsFromJSON parses a stored point sequence.
func (b *Blueprint) PointsFromJSON(data string) error {
	b.Points = []Point{}
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), &b.Points)
}

// DrawEvent is the wire message for one drawn point. Origin tags the
// sending session so it can recognize its own echoes.
type DrawEvent struct {
	Author string `json:"author"`
	Name   string `json:"name"`
	Point  Point  `json:"point"`
	Origin string `json:"origin,omitempty"`
}

// TotalPoints returns the number of points across all blueprints.
func TotalPoints(blueprints []Blueprint) int {
	total := 0
	for _, b := range blueprints {
		total += len(b.Points)
	}
	return total
}
