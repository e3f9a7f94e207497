package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stackmesh/dobs-luks-csi/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "sim-test-token"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, maxVolumes int) *httptest.Server {
	t.Helper()
	sim := New(&config.SimulatorConfig{
		Token:      testToken,
		Region:     "dev1",
		Droplets:   "1001,1002",
		MaxVolumes: maxVolumes,
	}, "test")
	srv := httptest.NewServer(sim.App())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp
}

func createTestVolume(t *testing.T, srv *httptest.Server, name string, sizeGiB int64) *Volume {
	t.Helper()
	var root volumeRoot
	resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", volumeCreateRequest{
		Name:          name,
		Region:        "dev1",
		SizeGigaBytes: sizeGiB,
	}, &root)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return root.Volume
}

func attach(t *testing.T, srv *httptest.Server, volumeID string, dropletID int) *http.Response {
	t.Helper()
	return doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+volumeID+"/actions", actionRequest{
		Type:      "attach",
		DropletID: dropletID,
	}, nil)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, 10)

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v2/volumes")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v2/volumes", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer nope")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var e ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", e.ID)
	})

	t.Run("healthz needs no token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()

		var h HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", h.Status)
		assert.Equal(t, "dev1", h.Features["region"])
	})
}

func TestVolumeLifecycle(t *testing.T) {
	srv := newTestServer(t, 10)

	vol := createTestVolume(t, srv, "pvc-data", 10)
	assert.NotEmpty(t, vol.ID)
	assert.Equal(t, "pvc-data", vol.Name)
	assert.Equal(t, int64(10), vol.SizeGigaBytes)
	assert.Equal(t, "dev1", vol.Region.Slug)
	assert.Empty(t, vol.DropletIDs)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		var e ErrorResponse
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", volumeCreateRequest{
			Name: "pvc-data", Region: "dev1", SizeGigaBytes: 10,
		}, &e)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "conflict", e.ID)
	})

	t.Run("get by id", func(t *testing.T) {
		var root volumeRoot
		resp := doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID, nil, &root)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, vol.ID, root.Volume.ID)
	})

	t.Run("list filters by name", func(t *testing.T) {
		createTestVolume(t, srv, "pvc-other", 5)

		var root volumesRoot
		resp := doRequest(t, http.MethodGet, srv.URL+"/v2/volumes?name=pvc-data", nil, &root)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, root.Volumes, 1)
		assert.Equal(t, vol.ID, root.Volumes[0].ID)
		assert.Equal(t, 1, root.Meta.Total)
	})

	t.Run("list filters by region", func(t *testing.T) {
		var root volumesRoot
		resp := doRequest(t, http.MethodGet, srv.URL+"/v2/volumes?region=elsewhere", nil, &root)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, root.Volumes)
	})

	t.Run("delete", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, srv.URL+"/v2/volumes/"+vol.ID, nil, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestVolumeValidation(t *testing.T) {
	srv := newTestServer(t, 10)

	cases := []struct {
		name   string
		req    volumeCreateRequest
		status int
	}{
		{"uppercase name", volumeCreateRequest{Name: "Bad", Region: "dev1", SizeGigaBytes: 1}, http.StatusUnprocessableEntity},
		{"empty name", volumeCreateRequest{Region: "dev1", SizeGigaBytes: 1}, http.StatusUnprocessableEntity},
		{"missing region", volumeCreateRequest{Name: "vol", SizeGigaBytes: 1}, http.StatusBadRequest},
		{"unknown region", volumeCreateRequest{Name: "vol", Region: "mars1", SizeGigaBytes: 1}, http.StatusUnprocessableEntity},
		{"zero size", volumeCreateRequest{Name: "vol", Region: "dev1"}, http.StatusBadRequest},
		{"oversize", volumeCreateRequest{Name: "vol", Region: "dev1", SizeGigaBytes: 20000}, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", tc.req, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestVolumeQuota(t *testing.T) {
	srv := newTestServer(t, 2)

	createTestVolume(t, srv, "vol-a", 1)
	createTestVolume(t, srv, "vol-b", 1)

	var e ErrorResponse
	resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", volumeCreateRequest{
		Name: "vol-c", Region: "dev1", SizeGigaBytes: 1,
	}, &e)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, e.Message, "limit")
}

func TestVolumeActions(t *testing.T) {
	srv := newTestServer(t, 10)
	vol := createTestVolume(t, srv, "vol-actions", 10)

	t.Run("attach", func(t *testing.T) {
		var root actionRoot
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "attach", DropletID: 1001,
		}, &root)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, actionCompleted, root.Action.Status)
		assert.Equal(t, "attach_volume", root.Action.Type)

		var got volumeRoot
		doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID, nil, &got)
		assert.Equal(t, []int{1001}, got.Volume.DropletIDs)

		t.Run("action is retrievable", func(t *testing.T) {
			var fetched actionRoot
			url := fmt.Sprintf("%s/v2/volumes/%s/actions/%d", srv.URL, vol.ID, root.Action.ID)
			resp := doRequest(t, http.MethodGet, url, nil, &fetched)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, actionCompleted, fetched.Action.Status)
		})
	})

	t.Run("attach twice fails", func(t *testing.T) {
		resp := attach(t, srv, vol.ID, 1002)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("delete while attached conflicts", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, srv.URL+"/v2/volumes/"+vol.ID, nil, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("resize below current size fails", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "resize", SizeGigaBytes: 5, Region: "dev1",
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("resize", func(t *testing.T) {
		var root actionRoot
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "resize", SizeGigaBytes: 20, Region: "dev1",
		}, &root)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "resize_volume", root.Action.Type)

		var got volumeRoot
		doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID, nil, &got)
		assert.Equal(t, int64(20), got.Volume.SizeGigaBytes)
	})

	t.Run("detach", func(t *testing.T) {
		var root actionRoot
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "detach", DropletID: 1001,
		}, &root)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "detach_volume", root.Action.Type)

		var got volumeRoot
		doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID, nil, &got)
		assert.Empty(t, got.Volume.DropletIDs)
	})

	t.Run("detach when not attached fails", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "detach", DropletID: 1001,
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("attach to unknown droplet fails", func(t *testing.T) {
		resp := attach(t, srv, vol.ID, 9999)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown action type fails", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
			Type: "shrink",
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestAttachLimit(t *testing.T) {
	srv := newTestServer(t, 10)

	for i := 0; i < maxVolumesPerDroplet; i++ {
		vol := createTestVolume(t, srv, fmt.Sprintf("vol-%d", i), 1)
		resp := attach(t, srv, vol.ID, 1001)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	vol := createTestVolume(t, srv, "vol-overflow", 1)
	var e ErrorResponse
	resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/actions", actionRequest{
		Type: "attach", DropletID: 1001,
	}, &e)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, e.Message, "more than 7")

	// the other droplet still has room
	resp = attach(t, srv, vol.ID, 1002)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSnapshots(t *testing.T) {
	srv := newTestServer(t, 10)
	vol := createTestVolume(t, srv, "vol-snap-src", 10)

	var root snapshotRoot
	resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/snapshots", snapshotCreateRequest{
		Name: "snap-1",
	}, &root)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := root.Snapshot
	assert.Equal(t, vol.ID, snap.ResourceID)
	assert.Equal(t, "volume", snap.ResourceType)
	assert.Equal(t, 10, snap.MinDiskSize)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/"+vol.ID+"/snapshots", snapshotCreateRequest{
			Name: "snap-1",
		}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("snapshot of unknown volume fails", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes/nope/snapshots", snapshotCreateRequest{
			Name: "snap-x",
		}, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("listed under the volume and globally", func(t *testing.T) {
		var perVol snapshotsRoot
		doRequest(t, http.MethodGet, srv.URL+"/v2/volumes/"+vol.ID+"/snapshots", nil, &perVol)
		require.Len(t, perVol.Snapshots, 1)

		var global snapshotsRoot
		doRequest(t, http.MethodGet, srv.URL+"/v2/snapshots?resource_type=volume", nil, &global)
		require.Len(t, global.Snapshots, 1)
		assert.Equal(t, snap.ID, global.Snapshots[0].ID)
	})

	t.Run("restore inherits size", func(t *testing.T) {
		var restored volumeRoot
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", volumeCreateRequest{
			Name: "vol-restored", SnapshotID: snap.ID,
		}, &restored)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, int64(10), restored.Volume.SizeGigaBytes)
	})

	t.Run("restore below snapshot size fails", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, srv.URL+"/v2/volumes", volumeCreateRequest{
			Name: "vol-too-small", SnapshotID: snap.ID, SizeGigaBytes: 5,
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("survives volume deletion", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, srv.URL+"/v2/volumes/"+vol.ID, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		var got snapshotRoot
		resp = doRequest(t, http.MethodGet, srv.URL+"/v2/snapshots/"+snap.ID, nil, &got)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, srv.URL+"/v2/snapshots/"+snap.ID, nil, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doRequest(t, http.MethodGet, srv.URL+"/v2/snapshots/"+snap.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPagination(t *testing.T) {
	srv := newTestServer(t, 30)
	for i := 0; i < 5; i++ {
		createTestVolume(t, srv, fmt.Sprintf("vol-%d", i), 1)
	}

	var first volumesRoot
	resp := doRequest(t, http.MethodGet, srv.URL+"/v2/volumes?per_page=2", nil, &first)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, first.Volumes, 2)
	assert.Equal(t, 5, first.Meta.Total)
	require.NotNil(t, first.Links)
	assert.Contains(t, first.Links.Pages.Next, "page=2")
	assert.Empty(t, first.Links.Pages.Prev)

	var last volumesRoot
	resp = doRequest(t, http.MethodGet, srv.URL+"/v2/volumes?per_page=2&page=3", nil, &last)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, last.Volumes, 1)
	assert.Equal(t, "vol-4", last.Volumes[0].Name)
	require.NotNil(t, last.Links)
	assert.Empty(t, last.Links.Pages.Next)
	assert.Contains(t, last.Links.Pages.Prev, "page=2")
}

func TestAccount(t *testing.T) {
	srv := newTestServer(t, 25)

	var root accountRoot
	resp := doRequest(t, http.MethodGet, srv.URL+"/v2/account", nil, &root)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", root.Account.Status)
	assert.Equal(t, 25, root.Account.VolumeLimit)
}

func TestGetDroplet(t *testing.T) {
	srv := newTestServer(t, 25)

	volA := createTestVolume(t, srv, "droplet-vol-a", 1)
	volB := createTestVolume(t, srv, "droplet-vol-b", 1)
	require.Equal(t, http.StatusAccepted, attach(t, srv, volA.ID, 1001).StatusCode)
	require.Equal(t, http.StatusAccepted, attach(t, srv, volB.ID, 1001).StatusCode)

	var root dropletRoot
	resp := doRequest(t, http.MethodGet, srv.URL+"/v2/droplets/1001", nil, &root)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1001, root.Droplet.ID)
	assert.Equal(t, "dev1", root.Droplet.Region.Slug)
	assert.ElementsMatch(t, []string{volA.ID, volB.ID}, root.Droplet.VolumeIDs)

	var empty dropletRoot
	resp = doRequest(t, http.MethodGet, srv.URL+"/v2/droplets/1002", nil, &empty)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, empty.Droplet.VolumeIDs)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v2/droplets/9999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v2/droplets/banana", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, 10)

	vol := createTestVolume(t, srv, "pvc-dash", 12)
	resp := attach(t, srv, vol.ID, 1001)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	t.Run("page needs no token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/dashboard")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, string(body), "dev1")
	})

	t.Run("state", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/dashboard/state")
		require.NoError(t, err)
		defer resp.Body.Close()

		var st dashboardState
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, "dev1", st.Region)
		assert.Equal(t, 10, st.VolumeLimit)

		require.Len(t, st.Volumes, 1)
		assert.Equal(t, "pvc-dash", st.Volumes[0].Name)
		assert.Equal(t, []int{1001}, st.Volumes[0].DropletIDs)

		require.Len(t, st.Droplets, 2)
		assert.Equal(t, 1001, st.Droplets[0].ID)
		assert.Equal(t, 1, st.Droplets[0].Attached)
		assert.Equal(t, maxVolumesPerDroplet, st.Droplets[0].Limit)
		assert.Equal(t, 0, st.Droplets[1].Attached)
	})
}
