// Package zone turns per-frame track positions into confirmed enter and
// exit edges. Each channel worker owns one Counter; all state in this
// package is single-writer and unlocked.
package zone

import (
	"fmt"
	"time"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/geo"
)

// EventType labels a counted edge.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
)

// ReasonTrackDisappeared marks synthetic exits emitted when a track is
// dropped from the disappeared pool while still confirmed inside a zone.
const ReasonTrackDisappeared = "track_disappeared"

// Event is one counted edge, before person attribution.
type Event struct {
	Time      time.Time `json:"time"`
	ChannelID int       `json:"channel_id"`
	ZoneID    string    `json:"zone_id"`
	Type      EventType `json:"type"`
	TrackID   int       `json:"track_id"`
	PersonID  string    `json:"person_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	FrameNum  int64     `json:"frame_num"`
}

// Zone is the runtime form of a ZoneConfig: geometry resolved to frame
// pixels plus the crossing polarity worked out once per resolution.
type Zone struct {
	id     string
	name   string
	kind   string
	active bool

	coordType      string
	enterThreshold int
	exitThreshold  int
	side           string
	direction      string

	source []geo.Point

	// Resolved for the frame size below. Empty until the first frame.
	resolved       bool
	frameW, frameH int
	polygon        []geo.Point
	lineA, lineB   geo.Point
	enterNegToPos  bool
}

// NewZone builds the runtime zone. The config is assumed schema-valid;
// anything structurally unusable still errors rather than miscounting.
func NewZone(cfg *config.ZoneConfig) (*Zone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zone %q: %w", cfg.ZoneID, err)
	}
	z := &Zone{
		id:             cfg.ZoneID,
		name:           cfg.Name,
		kind:           cfg.Type,
		active:         cfg.GetActive(),
		coordType:      cfg.GetCoordinateType(),
		enterThreshold: cfg.GetEnterThreshold(),
		exitThreshold:  cfg.GetExitThreshold(),
		side:           cfg.Side,
		direction:      cfg.GetDirection(),
		source:         cfg.Vertices(),
	}
	return z, nil
}

// ID returns the zone identifier.
func (z *Zone) ID() string { return z.id }

// Name returns the display name.
func (z *Zone) Name() string { return z.name }

// Kind returns "polygon" or "line".
func (z *Zone) Kind() string { return z.kind }

// Active reports whether the zone is evaluated.
func (z *Zone) Active() bool { return z.active }

// resolve maps the configured coordinates onto a frame size. Absolute
// zones resolve once; percentage zones re-resolve whenever the size
// changes, e.g. when a stream renegotiates resolution.
func (z *Zone) resolve(w, h int) {
	if z.resolved && w == z.frameW && h == z.frameH {
		return
	}
	pts := make([]geo.Point, len(z.source))
	copy(pts, z.source)
	if z.coordType == config.CoordPercentage {
		for i := range pts {
			pts[i].X = pts[i].X * float64(w) / 100
			pts[i].Y = pts[i].Y * float64(h) / 100
		}
	}
	z.resolved = true
	z.frameW, z.frameH = w, h
	if z.kind == config.ZoneTypeLine {
		z.lineA, z.lineB = pts[0], pts[1]
		z.enterNegToPos = z.resolvePolarity()
		return
	}
	z.polygon = pts
}

// resolvePolarity decides which crossing sign counts as an enter. A typed
// direction is tested with a probe point on its from-side of the line; when
// the probe lands on the line itself (direction parallel to the line, as in
// a left_to_right rule on a horizontal door line) the side setting governs.
func (z *Zone) resolvePolarity() bool {
	var off geo.Point
	switch z.direction {
	case config.DirectionLeftToRight:
		off = geo.Point{X: -1}
	case config.DirectionRightToLeft:
		off = geo.Point{X: 1}
	case config.DirectionTopToBottom:
		off = geo.Point{Y: -1}
	case config.DirectionBottomToTop:
		off = geo.Point{Y: 1}
	default:
		return z.sidePolarity()
	}
	mid := geo.Point{X: (z.lineA.X + z.lineB.X) / 2, Y: (z.lineA.Y + z.lineB.Y) / 2}
	probe := geo.Point{X: mid.X + off.X, Y: mid.Y + off.Y}
	c := geo.Cross(z.lineA, z.lineB, probe)
	if c == 0 {
		return z.sidePolarity()
	}
	// An enter starts on the probe's side and ends on the other.
	return c < 0
}

func (z *Zone) sidePolarity() bool {
	switch z.side {
	case config.SideAbove, config.SideRight:
		return true
	default:
		return false
	}
}

// contains runs the polygon membership test.
func (z *Zone) contains(p geo.Point) bool {
	return geo.PointInPolygon(p, z.polygon)
}

// crossing classifies the move prev->curr against the line. At most one of
// the results is set; an opposite-polarity crossing on a one_way zone is
// ignored entirely.
func (z *Zone) crossing(prev, curr geo.Point) (enter, exit bool) {
	cp := geo.Cross(z.lineA, z.lineB, prev)
	cq := geo.Cross(z.lineA, z.lineB, curr)
	if cp*cq >= 0 {
		return false, false
	}
	if (cp < 0) == z.enterNegToPos {
		return true, false
	}
	if z.direction == config.DirectionOneWay {
		return false, false
	}
	return false, true
}

// observe returns the raw membership signal for one track this frame.
// Polygons are memoryless; lines latch a membrane state that flips on
// valid crossings, so a track that crossed in stays raw-inside until it
// crosses back out or vanishes.
func (z *Zone) observe(st *TrackZoneState, prev geo.Point, hasPrev bool, curr geo.Point) bool {
	if z.kind == config.ZoneTypeLine {
		if hasPrev {
			if enter, exit := z.crossing(prev, curr); enter {
				st.RawInside = true
			} else if exit {
				st.RawInside = false
			}
		}
		return st.RawInside
	}
	return z.contains(curr)
}
