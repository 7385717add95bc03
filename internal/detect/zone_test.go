package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lightnvr/core/internal/config"
)

func TestFilterZonesNoZonesPassesEverything(t *testing.T) {
	boxes := []Box{{X0: 0, Y0: 0, X1: 0.1, Y1: 0.1, Label: "person"}}
	survivors, rejected := filterZones(boxes, ZoneFilter{})
	assert.Len(t, survivors, 1)
	assert.Empty(t, rejected)
}

func TestFilterZonesKeepsBoxInsideZone(t *testing.T) {
	zones := ZoneFilter{
		Threshold: 0.5,
		Zones: []config.Zone{{
			Name:    "door",
			Polygon: []config.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		}},
	}
	boxes := []Box{{X0: 0.2, Y0: 0.2, X1: 0.4, Y1: 0.4, Label: "person"}}
	survivors, rejected := filterZones(boxes, zones)
	assert.Len(t, survivors, 1)
	assert.Empty(t, rejected)
}

func TestFilterZonesRejectsBoxOutsideZone(t *testing.T) {
	zones := ZoneFilter{
		Threshold: 0.5,
		Zones: []config.Zone{{
			Name:    "door",
			Polygon: []config.Point{{X: 0, Y: 0}, {X: 0.2, Y: 0}, {X: 0.2, Y: 0.2}, {X: 0, Y: 0.2}},
		}},
	}
	boxes := []Box{{X0: 0.5, Y0: 0.5, X1: 0.8, Y1: 0.8, Label: "person"}}
	survivors, rejected := filterZones(boxes, zones)
	assert.Empty(t, survivors)
	assert.Len(t, rejected, 1)
}

func TestFilterZonesRejectsDisallowedLabel(t *testing.T) {
	zones := ZoneFilter{
		Threshold: 0.1,
		Zones: []config.Zone{{
			Name:        "door",
			Polygon:     []config.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
			LabelFilter: []string{"person"},
		}},
	}
	boxes := []Box{{X0: 0.2, Y0: 0.2, X1: 0.4, Y1: 0.4, Label: "car"}}
	survivors, rejected := filterZones(boxes, zones)
	assert.Empty(t, survivors)
	assert.Len(t, rejected, 1)
}

func TestPolygonAreaUnitSquare(t *testing.T) {
	square := []config.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	assert.InDelta(t, 1.0, polygonArea(square), 1e-9)
}
