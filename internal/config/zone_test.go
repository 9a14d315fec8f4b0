package config

import (
	"testing"

	"github.com/banshee-data/footfall.report/internal/geo"
)

func squarePoly() []geo.Point {
	return []geo.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}
}

func horizontalLine() []geo.Point {
	return []geo.Point{{X: 0, Y: 50}, {X: 100, Y: 50}}
}

func TestZoneValidate(t *testing.T) {
	tests := []struct {
		name    string
		zone    ZoneConfig
		wantErr bool
	}{
		{
			name:    "valid polygon",
			zone:    ZoneConfig{ZoneID: "z", Type: ZoneTypePolygon, Polygon: squarePoly()},
			wantErr: false,
		},
		{
			name: "valid line",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypeLine, Line: horizontalLine(),
				Side: SideAbove, Direction: DirectionLeftToRight,
			},
			wantErr: false,
		},
		{
			name: "line direction defaults to bidirectional",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypeLine, Line: horizontalLine(), Side: SideBelow,
			},
			wantErr: false,
		},
		{
			name:    "missing zone id",
			zone:    ZoneConfig{Type: ZoneTypePolygon, Polygon: squarePoly()},
			wantErr: true,
		},
		{
			name:    "unknown type",
			zone:    ZoneConfig{ZoneID: "z", Type: "circle"},
			wantErr: true,
		},
		{
			name: "polygon with two vertices",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypePolygon,
				Polygon: []geo.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
			},
			wantErr: true,
		},
		{
			name: "line with one endpoint",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypeLine,
				Line: []geo.Point{{X: 0, Y: 50}}, Side: SideAbove,
			},
			wantErr: true,
		},
		{
			name: "line with unknown side",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypeLine, Line: horizontalLine(), Side: "north",
			},
			wantErr: true,
		},
		{
			name: "line with unknown direction",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypeLine, Line: horizontalLine(),
				Side: SideAbove, Direction: "sideways",
			},
			wantErr: true,
		},
		{
			name: "percentage out of range",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypePolygon, CoordinateType: CoordPercentage,
				Polygon: []geo.Point{{X: 0, Y: 0}, {X: 120, Y: 0}, {X: 50, Y: 50}},
			},
			wantErr: true,
		},
		{
			name: "percentage in range",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypePolygon, CoordinateType: CoordPercentage,
				Polygon: []geo.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 50, Y: 50}},
			},
			wantErr: false,
		},
		{
			name:    "unknown coordinate type",
			zone:    ZoneConfig{ZoneID: "z", Type: ZoneTypePolygon, Polygon: squarePoly(), CoordinateType: "relative"},
			wantErr: true,
		},
		{
			name: "zero enter threshold",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypePolygon, Polygon: squarePoly(),
				EnterThreshold: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "zero exit threshold",
			zone: ZoneConfig{
				ZoneID: "z", Type: ZoneTypePolygon, Polygon: squarePoly(),
				ExitThreshold: ptrInt(0),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.zone.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestZoneDefaults(t *testing.T) {
	z := ZoneConfig{ZoneID: "z", Type: ZoneTypePolygon, Polygon: squarePoly()}

	if z.GetEnterThreshold() != 1 {
		t.Errorf("GetEnterThreshold() = %d, want 1", z.GetEnterThreshold())
	}
	if z.GetExitThreshold() != 1 {
		t.Errorf("GetExitThreshold() = %d, want 1", z.GetExitThreshold())
	}
	if !z.GetActive() {
		t.Error("GetActive() = false, want true")
	}
	if z.GetCoordinateType() != CoordAbsolute {
		t.Errorf("GetCoordinateType() = %q, want absolute", z.GetCoordinateType())
	}

	inactive := ZoneConfig{Active: ptrBool(false)}
	if inactive.GetActive() {
		t.Error("GetActive() = true, want false")
	}
}

func TestZoneVertices(t *testing.T) {
	poly := ZoneConfig{ZoneID: "p", Type: ZoneTypePolygon, Polygon: squarePoly()}
	if got := len(poly.Vertices()); got != 4 {
		t.Errorf("polygon Vertices() len = %d, want 4", got)
	}

	line := ZoneConfig{ZoneID: "l", Type: ZoneTypeLine, Line: horizontalLine()}
	if got := len(line.Vertices()); got != 2 {
		t.Errorf("line Vertices() len = %d, want 2", got)
	}
}
