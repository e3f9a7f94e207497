package simulator

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// Volume names follow the upstream rules: lowercase alphanumerics and
// dashes, which conveniently covers the pvc-<uuid> names Kubernetes makes.
var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

func apiError(c *echo.Context, status int, id, message string) error {
	return c.JSON(status, ErrorResponse{ID: id, Message: message})
}

func notFound(c *echo.Context) error {
	return apiError(c, http.StatusNotFound, "not_found", "The resource you requested could not be found.")
}

// --- Account ---

func (s *Simulator) getAccount(c *echo.Context) error {
	return c.JSON(http.StatusOK, accountRoot{Account: &Account{
		UUID:          "00000000-0000-4000-8000-000000000000",
		Email:         "sim@localhost",
		EmailVerified: true,
		Status:        "active",
		VolumeLimit:   s.maxVolumes,
	}})
}

// --- Droplets ---

func (s *Simulator) getDroplet(c *echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid droplet id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.droplets[id]; !ok {
		return notFound(c)
	}

	volumeIDs := []string{}
	for _, vol := range s.volumes {
		for _, attached := range vol.DropletIDs {
			if attached == id {
				volumeIDs = append(volumeIDs, vol.ID)
			}
		}
	}
	sort.Strings(volumeIDs)

	return c.JSON(http.StatusOK, dropletRoot{Droplet: &Droplet{
		ID:        id,
		Name:      "droplet-" + strconv.Itoa(id),
		Region:    &Region{Slug: s.region, Name: s.region},
		VolumeIDs: volumeIDs,
		Status:    "active",
	}})
}

// --- Volumes ---

func (s *Simulator) createVolume(c *echo.Context) error {
	var req volumeCreateRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}

	if !validName.MatchString(req.Name) {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "name must consist of lowercase alphanumerics and dashes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.volumeByName(req.Name); existing != nil {
		return apiError(c, http.StatusConflict, "conflict", "volume name is already in use on your account")
	}

	if len(s.volumes) >= s.maxVolumes {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "volume limit exceeded")
	}

	size := req.SizeGigaBytes

	if req.SnapshotID != "" {
		snap, ok := s.snapshots[req.SnapshotID]
		if !ok {
			return notFound(c)
		}
		if size == 0 {
			size = int64(snap.MinDiskSize)
		}
		if size < int64(snap.MinDiskSize) {
			return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "size must be at least the snapshot minimum disk size")
		}
	} else {
		if req.Region == "" {
			return apiError(c, http.StatusBadRequest, "bad_request", "region is required")
		}
		if req.Region != s.region {
			return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "region slug is unknown")
		}
	}

	if size <= 0 {
		return apiError(c, http.StatusBadRequest, "bad_request", "size_gigabytes is required")
	}
	if size > maxVolumeSizeGiB {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "size exceeds the maximum volume size")
	}

	vol := &Volume{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Region:        &Region{Slug: s.region, Name: s.region},
		SizeGigaBytes: size,
		Description:   req.Description,
		DropletIDs:    []int{},
		Tags:          req.Tags,
		CreatedAt:     time.Now().UTC(),
	}
	s.volumes[vol.ID] = vol

	return c.JSON(http.StatusCreated, volumeRoot{Volume: vol})
}

func (s *Simulator) listVolumes(c *echo.Context) error {
	name := c.QueryParam("name")
	region := c.QueryParam("region")

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Volume, 0, len(s.volumes))
	for _, vol := range s.volumes {
		if name != "" && vol.Name != name {
			continue
		}
		if region != "" && vol.Region.Slug != region {
			continue
		}
		all = append(all, vol)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	page, perPage := pageParams(c)
	return c.JSON(http.StatusOK, volumesRoot{
		Volumes: pageSlice(all, page, perPage),
		Links:   pageLinks(c, page, perPage, len(all)),
		Meta:    &meta{Total: len(all)},
	})
}

func (s *Simulator) getVolume(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol, ok := s.volumes[c.Param("id")]
	if !ok {
		return notFound(c)
	}
	return c.JSON(http.StatusOK, volumeRoot{Volume: vol})
}

func (s *Simulator) deleteVolume(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol, ok := s.volumes[c.Param("id")]
	if !ok {
		return notFound(c)
	}
	if len(vol.DropletIDs) > 0 {
		return apiError(c, http.StatusConflict, "conflict", "volume is attached to a droplet and cannot be deleted")
	}

	// Snapshots outlive their source volume, same as upstream.
	delete(s.volumes, vol.ID)
	return c.NoContent(http.StatusNoContent)
}

// --- Volume actions ---

func (s *Simulator) volumeAction(c *echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vol, ok := s.volumes[c.Param("id")]
	if !ok {
		return notFound(c)
	}

	switch req.Type {
	case "attach":
		return s.attachVolume(c, vol, req.DropletID)
	case "detach":
		return s.detachVolume(c, vol, req.DropletID)
	case "resize":
		return s.resizeVolume(c, vol, req.SizeGigaBytes)
	default:
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "unknown action type")
	}
}

func (s *Simulator) attachVolume(c *echo.Context, vol *Volume, dropletID int) error {
	if _, ok := s.droplets[dropletID]; !ok {
		return apiError(c, http.StatusNotFound, "not_found", "droplet not found")
	}
	if len(vol.DropletIDs) > 0 {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "volume is already attached to a droplet")
	}
	if s.attachedCount(dropletID) >= maxVolumesPerDroplet {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "cannot attach more than 7 volumes to a droplet")
	}

	vol.DropletIDs = append(vol.DropletIDs, dropletID)
	return c.JSON(http.StatusAccepted, actionRoot{Action: s.recordAction("attach_volume")})
}

func (s *Simulator) detachVolume(c *echo.Context, vol *Volume, dropletID int) error {
	for i, id := range vol.DropletIDs {
		if id == dropletID {
			vol.DropletIDs = append(vol.DropletIDs[:i], vol.DropletIDs[i+1:]...)
			return c.JSON(http.StatusAccepted, actionRoot{Action: s.recordAction("detach_volume")})
		}
	}
	return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "volume is not attached to the droplet")
}

func (s *Simulator) resizeVolume(c *echo.Context, vol *Volume, size int64) error {
	if size <= vol.SizeGigaBytes {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "new size must be larger than the current size")
	}
	if size > maxVolumeSizeGiB {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "size exceeds the maximum volume size")
	}

	vol.SizeGigaBytes = size
	return c.JSON(http.StatusAccepted, actionRoot{Action: s.recordAction("resize_volume")})
}

func (s *Simulator) getAction(c *echo.Context) error {
	id, err := strconv.Atoi(c.Param("actionID"))
	if err != nil {
		return notFound(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.actions[id]
	if !ok {
		return notFound(c)
	}
	return c.JSON(http.StatusOK, actionRoot{Action: action})
}

// --- Snapshots ---

func (s *Simulator) createSnapshot(c *echo.Context) error {
	var req snapshotCreateRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}
	if !validName.MatchString(req.Name) {
		return apiError(c, http.StatusUnprocessableEntity, "unprocessable_entity", "name must consist of lowercase alphanumerics and dashes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vol, ok := s.volumes[c.Param("id")]
	if !ok {
		return notFound(c)
	}
	for _, snap := range s.snapshots {
		if snap.Name == req.Name {
			return apiError(c, http.StatusConflict, "conflict", "snapshot name is already in use")
		}
	}

	snap := &Snapshot{
		ID:            uuid.NewString(),
		Name:          req.Name,
		ResourceID:    vol.ID,
		ResourceType:  "volume",
		Regions:       []string{s.region},
		MinDiskSize:   int(vol.SizeGigaBytes),
		SizeGigaBytes: float64(vol.SizeGigaBytes),
		Tags:          req.Tags,
		CreatedAt:     time.Now().UTC(),
	}
	s.snapshots[snap.ID] = snap

	return c.JSON(http.StatusCreated, snapshotRoot{Snapshot: snap})
}

func (s *Simulator) listVolumeSnapshots(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol, ok := s.volumes[c.Param("id")]
	if !ok {
		return notFound(c)
	}

	all := make([]*Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.ResourceID == vol.ID {
			all = append(all, snap)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	page, perPage := pageParams(c)
	return c.JSON(http.StatusOK, snapshotsRoot{
		Snapshots: pageSlice(all, page, perPage),
		Links:     pageLinks(c, page, perPage, len(all)),
		Meta:      &meta{Total: len(all)},
	})
}

func (s *Simulator) listSnapshots(c *echo.Context) error {
	resourceType := c.QueryParam("resource_type")

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if resourceType != "" && snap.ResourceType != resourceType {
			continue
		}
		all = append(all, snap)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	page, perPage := pageParams(c)
	return c.JSON(http.StatusOK, snapshotsRoot{
		Snapshots: pageSlice(all, page, perPage),
		Links:     pageLinks(c, page, perPage, len(all)),
		Meta:      &meta{Total: len(all)},
	})
}

func (s *Simulator) getSnapshot(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[c.Param("id")]
	if !ok {
		return notFound(c)
	}
	return c.JSON(http.StatusOK, snapshotRoot{Snapshot: snap})
}

func (s *Simulator) deleteSnapshot(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[c.Param("id")]; !ok {
		return notFound(c)
	}
	delete(s.snapshots, c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// --- Pagination ---

func pageParams(c *echo.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(c.QueryParam("per_page"))
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 200 {
		perPage = 200
	}
	return page, perPage
}

func pageSlice[T any](items []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// pageLinks builds the pages block godo walks for pagination. Nil when
// everything fits on one page, which godo reads as "last page".
func pageLinks(c *echo.Context, page, perPage, total int) *links {
	last := (total + perPage - 1) / perPage
	if last <= 1 {
		return nil
	}

	u := *c.Request().URL
	u.Scheme = "http"
	u.Host = c.Request().Host
	pageURL := func(p int) string {
		q := u.Query()
		q.Set("page", strconv.Itoa(p))
		q.Set("per_page", strconv.Itoa(perPage))
		u.RawQuery = q.Encode()
		return u.String()
	}

	p := &pages{First: pageURL(1), Last: pageURL(last)}
	if page > 1 {
		p.Prev = pageURL(page - 1)
	}
	if page < last {
		p.Next = pageURL(page + 1)
	}
	return &links{Pages: p}
}
