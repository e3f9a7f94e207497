package simulator

import "time"

// Wire types for the block storage API subset the simulator speaks. JSON
// keys must stay decodable by godo, which is the only client we care about.

type Region struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type Volume struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Region          *Region   `json:"region"`
	SizeGigaBytes   int64     `json:"size_gigabytes"`
	Description     string    `json:"description"`
	DropletIDs      []int     `json:"droplet_ids"`
	FilesystemType  string    `json:"filesystem_type"`
	FilesystemLabel string    `json:"filesystem_label"`
	Tags            []string  `json:"tags"`
	CreatedAt       time.Time `json:"created_at"`
}

type Snapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ResourceID    string    `json:"resource_id"`
	ResourceType  string    `json:"resource_type"`
	Regions       []string  `json:"regions"`
	MinDiskSize   int       `json:"min_disk_size"`
	SizeGigaBytes float64   `json:"size_gigabytes"`
	Tags          []string  `json:"tags"`
	CreatedAt     time.Time `json:"created_at"`
}

type Action struct {
	ID           int       `json:"id"`
	Status       string    `json:"status"`
	Type         string    `json:"type"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	ResourceType string    `json:"resource_type"`
	RegionSlug   string    `json:"region_slug"`
}

type Droplet struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Region    *Region  `json:"region"`
	VolumeIDs []string `json:"volume_ids"`
	Status    string   `json:"status"`
}

type Account struct {
	UUID          string `json:"uuid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Status        string `json:"status"`
	VolumeLimit   int    `json:"volume_limit"`
}

// request models

type volumeCreateRequest struct {
	Name          string   `json:"name"`
	Region        string   `json:"region"`
	SizeGigaBytes int64    `json:"size_gigabytes"`
	Description   string   `json:"description"`
	SnapshotID    string   `json:"snapshot_id"`
	Tags          []string `json:"tags"`
}

type snapshotCreateRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type actionRequest struct {
	Type          string `json:"type"`
	DropletID     int    `json:"droplet_id"`
	SizeGigaBytes int64  `json:"size_gigabytes"`
	Region        string `json:"region"`
}

// response envelopes, one resource key per route like the upstream API

type volumeRoot struct {
	Volume *Volume `json:"volume"`
}

type volumesRoot struct {
	Volumes []*Volume `json:"volumes"`
	Links   *links    `json:"links,omitempty"`
	Meta    *meta     `json:"meta"`
}

type snapshotRoot struct {
	Snapshot *Snapshot `json:"snapshot"`
}

type snapshotsRoot struct {
	Snapshots []*Snapshot `json:"snapshots"`
	Links     *links      `json:"links,omitempty"`
	Meta      *meta       `json:"meta"`
}

type actionRoot struct {
	Action *Action `json:"action"`
}

type dropletRoot struct {
	Droplet *Droplet `json:"droplet"`
}

type accountRoot struct {
	Account *Account `json:"account"`
}

type meta struct {
	Total int `json:"total"`
}

type links struct {
	Pages *pages `json:"pages,omitempty"`
}

type pages struct {
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

// ErrorResponse is the upstream error body. godo surfaces Message through
// *godo.ErrorResponse, the id is for humans reading simulator logs.
type ErrorResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int               `json:"uptime_seconds"`
	Features      map[string]string `json:"features"`
}
