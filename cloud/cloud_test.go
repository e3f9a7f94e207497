package cloud

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stackmesh/dobs-luks-csi/config"
	"github.com/stackmesh/dobs-luks-csi/simulator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cloud-test-token"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// newTestClient wires a Client against an in-process simulator, which
// speaks the same wire format as the real API.
func newTestClient(t *testing.T, maxVolumes int) *Client {
	t.Helper()

	sim := simulator.New(&config.SimulatorConfig{
		Token:      testToken,
		Region:     "dev1",
		Droplets:   "1001,1002",
		MaxVolumes: maxVolumes,
	}, "test")
	srv := httptest.NewServer(sim.App())
	t.Cleanup(srv.Close)

	client, err := New(testToken, srv.URL, "dev1", config.DriverName+"/test")
	require.NoError(t, err)
	return client
}

func TestNewValidation(t *testing.T) {
	_, err := New("", "", "dev1", "test")
	assert.Error(t, err)

	_, err = New("token", "", "", "test")
	assert.Error(t, err)
}

func TestVolumeLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)

	vol, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-abc", SizeGiB: 10})
	require.NoError(t, err)
	assert.Equal(t, "pvc-abc", vol.Name)
	assert.Equal(t, int64(10), vol.SizeGigaBytes)
	assert.Equal(t, "dev1", vol.Region.Slug)

	t.Run("find by name", func(t *testing.T) {
		found, err := client.FindVolume(ctx, "pvc-abc")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, vol.ID, found.ID)

		missing, err := client.FindVolume(ctx, "no-such-volume")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("attach and detach", func(t *testing.T) {
		require.NoError(t, client.Attach(ctx, vol.ID, 1001))

		got, err := client.GetVolume(ctx, vol.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{1001}, got.DropletIDs)

		require.NoError(t, client.Detach(ctx, vol.ID, 1001))

		got, err = client.GetVolume(ctx, vol.ID)
		require.NoError(t, err)
		assert.Empty(t, got.DropletIDs)
	})

	t.Run("resize", func(t *testing.T) {
		require.NoError(t, client.Resize(ctx, vol.ID, 20))

		got, err := client.GetVolume(ctx, vol.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.SizeGigaBytes)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, client.DeleteVolume(ctx, vol.ID))

		_, err := client.GetVolume(ctx, vol.ID)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestCreateVolumeConflict(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)

	_, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-dup", SizeGiB: 5})
	require.NoError(t, err)

	_, err = client.CreateVolume(ctx, VolumeRequest{Name: "pvc-dup", SizeGiB: 5})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestVolumeQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 1)

	_, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-one", SizeGiB: 1})
	require.NoError(t, err)

	_, err = client.CreateVolume(ctx, VolumeRequest{Name: "pvc-two", SizeGiB: 1})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}

func TestAttachLimitExhausted(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)

	for i := 0; i < 7; i++ {
		vol, err := client.CreateVolume(ctx, VolumeRequest{Name: fmt.Sprintf("pvc-%d", i), SizeGiB: 1})
		require.NoError(t, err)
		require.NoError(t, client.Attach(ctx, vol.ID, 1001))
	}

	vol, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-overflow", SizeGiB: 1})
	require.NoError(t, err)

	err = client.Attach(ctx, vol.ID, 1001)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}

func TestDetachNotAttached(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)

	vol, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-loose", SizeGiB: 1})
	require.NoError(t, err)

	err = client.Detach(ctx, vol.ID, 1001)
	assert.Error(t, err)
}

func TestSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)

	vol, err := client.CreateVolume(ctx, VolumeRequest{Name: "pvc-src", SizeGiB: 8})
	require.NoError(t, err)

	snap, err := client.CreateSnapshot(ctx, vol.ID, "snap-backup", nil)
	require.NoError(t, err)
	assert.Equal(t, vol.ID, snap.ResourceID)
	assert.Equal(t, 8, snap.MinDiskSize)

	t.Run("find by name", func(t *testing.T) {
		found, err := client.FindSnapshot(ctx, vol.ID, "snap-backup")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, snap.ID, found.ID)

		missing, err := client.FindSnapshot(ctx, vol.ID, "no-such-snap")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("listed globally", func(t *testing.T) {
		snaps, err := client.ListSnapshots(ctx)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, snap.ID, snaps[0].ID)
	})

	t.Run("restore into new volume", func(t *testing.T) {
		restored, err := client.CreateVolume(ctx, VolumeRequest{
			Name:       "pvc-restored",
			SizeGiB:    8,
			SnapshotID: snap.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(8), restored.SizeGigaBytes)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, client.DeleteSnapshot(ctx, snap.ID))

		_, err := client.GetSnapshot(ctx, snap.ID)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestListVolumesDrainsPages(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 250)

	// more than one page at the 200 per-page cap
	for i := 0; i < 205; i++ {
		_, err := client.CreateVolume(ctx, VolumeRequest{Name: fmt.Sprintf("pvc-%03d", i), SizeGiB: 1})
		require.NoError(t, err)
	}

	vols, err := client.ListVolumes(ctx)
	require.NoError(t, err)
	assert.Len(t, vols, 205)
}

func TestCheckHealth(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, 10)
	require.NoError(t, client.CheckHealth(ctx))
}

func TestCheckHealthBadToken(t *testing.T) {
	ctx := context.Background()

	sim := simulator.New(&config.SimulatorConfig{
		Token:      "right-token",
		Region:     "dev1",
		Droplets:   "1001",
		MaxVolumes: 10,
	}, "test")
	srv := httptest.NewServer(sim.App())
	t.Cleanup(srv.Close)

	client, err := New("wrong-token", srv.URL, "dev1", "test")
	require.NoError(t, err)
	assert.Error(t, client.CheckHealth(ctx))
}
