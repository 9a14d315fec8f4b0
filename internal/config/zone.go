package config

import (
	"fmt"

	"github.com/banshee-data/footfall.report/internal/geo"
)

// Zone shape vocabulary. The zone counter switches on these strings; the
// schema here is the single place they are validated.
const (
	ZoneTypePolygon = "polygon"
	ZoneTypeLine    = "line"
)

// Coordinate systems for zone vertices.
const (
	CoordAbsolute   = "absolute"
	CoordPercentage = "percentage"
)

// Line sides: which half-plane of the line counts as inside.
const (
	SideAbove = "above"
	SideBelow = "below"
	SideLeft  = "left"
	SideRight = "right"
)

// Line crossing directions.
const (
	DirectionBidirectional = "bidirectional"
	DirectionOneWay        = "one_way"
	DirectionLeftToRight   = "left_to_right"
	DirectionRightToLeft   = "right_to_left"
	DirectionTopToBottom   = "top_to_bottom"
	DirectionBottomToTop   = "bottom_to_top"
)

// ZoneConfig describes one counting zone within a channel. Immutable after
// load. Percentage coordinates are in [0,100] and resolved against the
// frame size by the zone counter, not here.
type ZoneConfig struct {
	ZoneID         string `json:"zone_id"`
	Name           string `json:"name,omitempty"`
	Type           string `json:"type"`
	CoordinateType string `json:"coordinate_type,omitempty"`

	// Polygon holds the ordered vertex list for polygon zones.
	Polygon []geo.Point `json:"polygon,omitempty"`
	// Line holds exactly two endpoints for line zones.
	Line      []geo.Point `json:"line,omitempty"`
	Side      string      `json:"side,omitempty"`
	Direction string      `json:"direction,omitempty"`

	EnterThreshold *int  `json:"enter_threshold,omitempty"`
	ExitThreshold  *int  `json:"exit_threshold,omitempty"`
	Active         *bool `json:"active,omitempty"`
}

// Validate checks the shape-specific schema constraints.
func (z *ZoneConfig) Validate() error {
	if z.ZoneID == "" {
		return fmt.Errorf("zone_id is required")
	}

	switch z.Type {
	case ZoneTypePolygon:
		if len(z.Polygon) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(z.Polygon))
		}
	case ZoneTypeLine:
		if len(z.Line) != 2 {
			return fmt.Errorf("line needs exactly 2 endpoints, got %d", len(z.Line))
		}
		switch z.Side {
		case SideAbove, SideBelow, SideLeft, SideRight:
		default:
			return fmt.Errorf("unknown side %q", z.Side)
		}
		switch z.GetDirection() {
		case DirectionBidirectional, DirectionOneWay,
			DirectionLeftToRight, DirectionRightToLeft,
			DirectionTopToBottom, DirectionBottomToTop:
		default:
			return fmt.Errorf("unknown direction %q", z.Direction)
		}
	default:
		return fmt.Errorf("unknown zone type %q", z.Type)
	}

	switch z.GetCoordinateType() {
	case CoordAbsolute:
	case CoordPercentage:
		for _, p := range z.Vertices() {
			if p.X < 0 || p.X > 100 || p.Y < 0 || p.Y > 100 {
				return fmt.Errorf("percentage coordinate (%g,%g) outside [0,100]", p.X, p.Y)
			}
		}
	default:
		return fmt.Errorf("unknown coordinate_type %q", z.CoordinateType)
	}

	if z.EnterThreshold != nil && *z.EnterThreshold < 1 {
		return fmt.Errorf("enter_threshold must be at least 1, got %d", *z.EnterThreshold)
	}
	if z.ExitThreshold != nil && *z.ExitThreshold < 1 {
		return fmt.Errorf("exit_threshold must be at least 1, got %d", *z.ExitThreshold)
	}

	return nil
}

// Vertices returns the zone's coordinate list regardless of shape.
func (z *ZoneConfig) Vertices() []geo.Point {
	if z.Type == ZoneTypeLine {
		return z.Line
	}
	return z.Polygon
}

// GetCoordinateType returns the coordinate_type value or the default.
func (z *ZoneConfig) GetCoordinateType() string {
	if z.CoordinateType == "" {
		return CoordAbsolute
	}
	return z.CoordinateType
}

// GetDirection returns the direction value or the default.
func (z *ZoneConfig) GetDirection() string {
	if z.Direction == "" {
		return DirectionBidirectional
	}
	return z.Direction
}

// GetEnterThreshold returns the enter_threshold value or the default.
func (z *ZoneConfig) GetEnterThreshold() int {
	if z.EnterThreshold == nil {
		return 1
	}
	return *z.EnterThreshold
}

// GetExitThreshold returns the exit_threshold value or the default.
func (z *ZoneConfig) GetExitThreshold() int {
	if z.ExitThreshold == nil {
		return 1
	}
	return *z.ExitThreshold
}

// GetActive returns the active value or the default.
func (z *ZoneConfig) GetActive() bool {
	if z.Active == nil {
		return true
	}
	return *z.Active
}
