package simulator

import (
	_ "embed"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"
)

//go:embed dashboard.html
var dashboardHTML string

// ServeDashboard renders a read-only view of the simulator state, handy
// when driving the provisioning flow by hand. Everything it shows comes
// from /dashboard/state, so the page itself needs no API token.
func ServeDashboard(region string, refreshSeconds int) echo.HandlerFunc {
	r := strings.NewReplacer(
		"{{REGION}}", region,
		"{{REFRESH}}", strconv.Itoa(refreshSeconds),
	)
	html := r.Replace(dashboardHTML)
	return func(c *echo.Context) error {
		c.Response().Header().Set("Content-Type", "text/html; charset=utf-8")
		return c.HTML(http.StatusOK, html)
	}
}

type dashboardDroplet struct {
	ID       int `json:"id"`
	Attached int `json:"attached"`
	Limit    int `json:"limit"`
}

type dashboardState struct {
	Region      string             `json:"region"`
	VolumeLimit int                `json:"volume_limit"`
	Volumes     []*Volume          `json:"volumes"`
	Snapshots   []*Snapshot        `json:"snapshots"`
	Droplets    []dashboardDroplet `json:"droplets"`
}

func (s *Simulator) getDashboardState(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Empty slices, not nil: the page expects arrays, never null.
	state := dashboardState{
		Region:      s.region,
		VolumeLimit: s.maxVolumes,
		Volumes:     []*Volume{},
		Snapshots:   []*Snapshot{},
		Droplets:    []dashboardDroplet{},
	}

	for _, vol := range s.volumes {
		state.Volumes = append(state.Volumes, vol)
	}
	sort.Slice(state.Volumes, func(i, j int) bool { return state.Volumes[i].Name < state.Volumes[j].Name })

	for _, snap := range s.snapshots {
		state.Snapshots = append(state.Snapshots, snap)
	}
	sort.Slice(state.Snapshots, func(i, j int) bool { return state.Snapshots[i].Name < state.Snapshots[j].Name })

	for id := range s.droplets {
		state.Droplets = append(state.Droplets, dashboardDroplet{
			ID:       id,
			Attached: s.attachedCount(id),
			Limit:    maxVolumesPerDroplet,
		})
	}
	sort.Slice(state.Droplets, func(i, j int) bool { return state.Droplets[i].ID < state.Droplets[j].ID })

	return c.JSON(http.StatusOK, state)
}
