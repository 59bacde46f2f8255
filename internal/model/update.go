package model

import (
	"encoding/json"
	"fmt"
)

// UpdateMode tells a consumer how an inbound update changes the point sequence.
type UpdateMode int

const (
	// UpdateAppend adds a single point to the end of the sequence.
	UpdateAppend UpdateMode = iota + 1
	// UpdateReplace swaps the whole sequence.
	UpdateReplace
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateAppend:
		return "append"
	case UpdateReplace:
		return "replace"
	}
	return fmt.Sprintf("UpdateMode(%d)", int(m))
}

// InboundUpdate is a decoded blueprint update. Deployments push either the
// single new point or the full sequence; when both are present the full
// sequence wins.
type InboundUpdate struct {
	Author string
	Name   string
	Origin string
	Mode   UpdateMode
	Point  Point
	Points []Point
}

type wireUpdate struct {
	Author string   `json:"author"`
	Name   string   `json:"name"`
	Origin string   `json:"origin"`
	Point  *Point   `json:"point"`
	Points *[]Point `json:"points"`
}

// DecodeUpdate parses an update body. Errors wrap ErrDecode.
func DecodeUpdate(body []byte) (*InboundUpdate, error) {
	var w wireUpdate
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	u := &InboundUpdate{Author: w.Author, Name: w.Name, Origin: w.Origin}
	switch {
	case w.Points != nil:
		u.Mode = UpdateReplace
		u.Points = append([]Point{}, (*w.Points)...)
		if err := ValidatePoints(u.Points); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	case w.Point != nil:
		u.Mode = UpdateAppend
		u.Point = *w.Point
		if err := u.Point.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	default:
		return nil, fmt.Errorf("%w: neither point nor points present", ErrDecode)
	}
	return u, nil
}

// Anonymous reports whether the update omits both author and name.
func (u *InboundUpdate) Anonymous() bool {
	return u.Author == "" && u.Name == ""
}

// Addressed reports whether the update belongs to (author, name).
func (u *InboundUpdate) Addressed(author, name string) bool {
	return u.Author == author && u.Name == name
}
