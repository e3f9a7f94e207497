// Package simulator is an in-memory stand-in for the DigitalOcean block
// storage API. It speaks the godo wire format for the volume, snapshot and
// action endpoints the controller uses, so the whole provisioning path can
// run on a laptop or in CI without an account. State lives in maps behind a
// mutex and is gone when the process exits.
package simulator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stackmesh/dobs-luks-csi/config"

	"github.com/labstack/echo/v5"
	"github.com/rs/zerolog/log"
)

const (
	maxVolumesPerDroplet = 7
	maxVolumeSizeGiB     = 16384

	actionCompleted = "completed"
)

type Simulator struct {
	version    string
	region     string
	token      string
	maxVolumes int

	mu         sync.Mutex
	volumes    map[string]*Volume
	snapshots  map[string]*Snapshot
	actions    map[int]*Action
	droplets   map[int]struct{}
	nextAction int
}

func New(cfg *config.SimulatorConfig, version string) *Simulator {
	return &Simulator{
		version:    version,
		region:     cfg.Region,
		token:      cfg.Token,
		maxVolumes: cfg.MaxVolumes,
		volumes:    make(map[string]*Volume),
		snapshots:  make(map[string]*Snapshot),
		actions:    make(map[int]*Action),
		droplets:   parseDroplets(cfg.Droplets),
	}
}

// App builds the echo application. Exposed separately from Start so tests
// can mount it on an httptest server.
func (s *Simulator) App() *echo.Echo {
	e := echo.New()

	e.Use(MetricsMiddleware())

	features := map[string]string{
		"region":   s.region,
		"droplets": strconv.Itoa(len(s.droplets)),
	}

	// unauthenticated endpoints
	e.GET("/healthz", Healthz(s.version, features))
	e.GET("/metrics", MetricsHandler())
	e.GET("/dashboard", ServeDashboard(s.region, 5))
	e.GET("/dashboard/state", s.getDashboardState)

	// API surface with auth, paths mirror api.digitalocean.com
	api := e.Group("/v2", AuthMiddleware(s.token))

	api.GET("/account", s.getAccount)
	api.GET("/droplets/:id", s.getDroplet)

	api.POST("/volumes", s.createVolume)
	api.GET("/volumes", s.listVolumes)
	api.GET("/volumes/:id", s.getVolume)
	api.DELETE("/volumes/:id", s.deleteVolume)

	api.POST("/volumes/:id/actions", s.volumeAction)
	api.GET("/volumes/:id/actions/:actionID", s.getAction)

	api.POST("/volumes/:id/snapshots", s.createSnapshot)
	api.GET("/volumes/:id/snapshots", s.listVolumeSnapshots)
	api.GET("/snapshots", s.listSnapshots)
	api.GET("/snapshots/:id", s.getSnapshot)
	api.DELETE("/snapshots/:id", s.deleteSnapshot)

	return e
}

// Start serves the API until ctx is cancelled.
func (s *Simulator) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.App(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("simulator shutdown")
		}
	}()

	log.Info().
		Str("addr", addr).
		Str("region", s.region).
		Int("droplets", len(s.droplets)).
		Msg("starting block storage simulator")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// parseDroplets parses a comma separated droplet ID list like "1001,1002".
// Entries that do not parse are skipped.
func parseDroplets(s string) map[int]struct{} {
	m := make(map[int]struct{})
	for _, entry := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(entry))
		if err != nil {
			continue
		}
		m[id] = struct{}{}
	}
	return m
}

func (s *Simulator) attachedCount(dropletID int) int {
	n := 0
	for _, vol := range s.volumes {
		for _, id := range vol.DropletIDs {
			if id == dropletID {
				n++
			}
		}
	}
	return n
}

func (s *Simulator) volumeByName(name string) *Volume {
	for _, vol := range s.volumes {
		if vol.Name == name {
			return vol
		}
	}
	return nil
}

func (s *Simulator) recordAction(kind string) *Action {
	s.nextAction++
	now := time.Now().UTC()
	a := &Action{
		ID:           s.nextAction,
		Status:       actionCompleted,
		Type:         kind,
		StartedAt:    now,
		CompletedAt:  now,
		ResourceType: "volume",
		RegionSlug:   s.region,
	}
	s.actions[a.ID] = a
	return a
}
