package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"
)

// Client wraps the block-storage subset of the DigitalOcean API the
// driver needs. All operations are scoped to a single region.
type Client struct {
	do     *godo.Client
	region string
}

// New builds a Client from an API token. baseURL overrides the API
// endpoint, used to point the controller at a local simulator.
func New(token, baseURL, region, userAgent string) (*Client, error) {
	if token == "" {
		return nil, errors.New("API token required")
	}
	if region == "" {
		return nil, errors.New("region required")
	}

	static := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), static)

	opts := []godo.ClientOpt{godo.SetUserAgent(userAgent)}
	if baseURL != "" {
		opts = append(opts, godo.SetBaseURL(baseURL))
	}
	do, err := godo.New(httpClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("godo client: %w", err)
	}

	return &Client{do: do, region: region}, nil
}

func (c *Client) Region() string { return c.region }

type VolumeRequest struct {
	Name        string
	SizeGiB     int64
	Description string
	SnapshotID  string
	Tags        []string
}

func (c *Client) CreateVolume(ctx context.Context, req VolumeRequest) (*godo.Volume, error) {
	vol, _, err := c.do.Storage.CreateVolume(ctx, &godo.VolumeCreateRequest{
		Region:        c.region,
		Name:          req.Name,
		Description:   req.Description,
		SizeGigaBytes: req.SizeGiB,
		SnapshotID:    req.SnapshotID,
		Tags:          req.Tags,
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

func (c *Client) GetVolume(ctx context.Context, id string) (*godo.Volume, error) {
	vol, _, err := c.do.Storage.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// FindVolume looks a volume up by name. Returns nil when none exists;
// volume names are unique per region.
func (c *Client) FindVolume(ctx context.Context, name string) (*godo.Volume, error) {
	vols, _, err := c.do.Storage.ListVolumes(ctx, &godo.ListVolumeParams{
		Region: c.region,
		Name:   name,
	})
	if err != nil {
		return nil, err
	}
	if len(vols) == 0 {
		return nil, nil
	}
	return &vols[0], nil
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.do.Storage.DeleteVolume(ctx, id)
	return err
}

// ListVolumes drains all pages for the client's region.
func (c *Client) ListVolumes(ctx context.Context) ([]godo.Volume, error) {
	opt := &godo.ListOptions{Page: 1, PerPage: 200}

	var all []godo.Volume
	for {
		vols, resp, err := c.do.Storage.ListVolumes(ctx, &godo.ListVolumeParams{
			Region:      c.region,
			ListOptions: opt,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, vols...)

		if resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("volume list pagination: %w", err)
		}
		opt.Page = page + 1
	}
}

// Attach connects the volume to the droplet and waits for the action to
// finish.
func (c *Client) Attach(ctx context.Context, volumeID string, dropletID int) error {
	action, _, err := c.do.StorageActions.Attach(ctx, volumeID, dropletID)
	if err != nil {
		return err
	}
	return c.waitForAction(ctx, volumeID, action)
}

// Detach disconnects the volume from the droplet and waits for the
// action to finish.
func (c *Client) Detach(ctx context.Context, volumeID string, dropletID int) error {
	action, _, err := c.do.StorageActions.DetachByDropletID(ctx, volumeID, dropletID)
	if err != nil {
		return err
	}
	return c.waitForAction(ctx, volumeID, action)
}

// Resize grows the volume and waits for the action to finish. Block
// storage volumes never shrink.
func (c *Client) Resize(ctx context.Context, volumeID string, sizeGiB int) error {
	action, _, err := c.do.StorageActions.Resize(ctx, volumeID, sizeGiB, c.region)
	if err != nil {
		return err
	}
	return c.waitForAction(ctx, volumeID, action)
}

func (c *Client) waitForAction(ctx context.Context, volumeID string, action *godo.Action) error {
	if action == nil || action.Status == godo.ActionCompleted {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a, _, err := c.do.StorageActions.Get(ctx, volumeID, action.ID)
			if err != nil {
				return fmt.Errorf("poll action %d: %w", action.ID, err)
			}
			switch a.Status {
			case godo.ActionCompleted:
				return nil
			case godo.ActionInProgress:
			default:
				return fmt.Errorf("action %d for volume %s ended with status %q", action.ID, volumeID, a.Status)
			}
		}
	}
}

func (c *Client) CreateSnapshot(ctx context.Context, volumeID, name string, tags []string) (*godo.Snapshot, error) {
	snap, _, err := c.do.Storage.CreateSnapshot(ctx, &godo.SnapshotCreateRequest{
		VolumeID: volumeID,
		Name:     name,
		Tags:     tags,
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (*godo.Snapshot, error) {
	snap, _, err := c.do.Storage.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FindSnapshot looks a snapshot of the given volume up by name. Returns
// nil when none exists.
func (c *Client) FindSnapshot(ctx context.Context, volumeID, name string) (*godo.Snapshot, error) {
	snaps, err := c.ListVolumeSnapshots(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].Name == name {
			return &snaps[i], nil
		}
	}
	return nil, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := c.do.Storage.DeleteSnapshot(ctx, id)
	return err
}

// ListSnapshots drains all block-storage snapshots on the account.
func (c *Client) ListSnapshots(ctx context.Context) ([]godo.Snapshot, error) {
	opt := &godo.ListOptions{Page: 1, PerPage: 200}

	var all []godo.Snapshot
	for {
		snaps, resp, err := c.do.Snapshots.ListVolume(ctx, opt)
		if err != nil {
			return nil, err
		}
		all = append(all, snaps...)

		if resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("snapshot list pagination: %w", err)
		}
		opt.Page = page + 1
	}
}

func (c *Client) ListVolumeSnapshots(ctx context.Context, volumeID string) ([]godo.Snapshot, error) {
	opt := &godo.ListOptions{Page: 1, PerPage: 200}

	var all []godo.Snapshot
	for {
		snaps, resp, err := c.do.Storage.ListSnapshots(ctx, volumeID, opt)
		if err != nil {
			return nil, err
		}
		all = append(all, snaps...)

		if resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("snapshot list pagination: %w", err)
		}
		opt.Page = page + 1
	}
}

// Account fetches the account, mainly for its volume quota and status.
func (c *Client) Account(ctx context.Context) (*godo.Account, error) {
	acct, _, err := c.do.Account.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return acct, nil
}

// CheckHealth verifies API reachability and credentials.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, _, err := c.do.Account.Get(ctx)
	return err
}

// IsNotFound reports whether the API answered 404.
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

// IsConflict reports whether the API answered 409.
func IsConflict(err error) bool {
	return statusCode(err) == http.StatusConflict
}

// IsExhausted reports whether the request failed on a platform limit:
// rate limiting, the account volume quota, or the per-droplet attach
// limit.
func IsExhausted(err error) bool {
	var der *godo.ErrorResponse
	if !errors.As(err, &der) || der.Response == nil {
		return false
	}
	if der.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(der.Message)
	return der.Response.StatusCode == http.StatusUnprocessableEntity &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "exceeded") ||
			strings.Contains(msg, "more than"))
}

func statusCode(err error) int {
	var der *godo.ErrorResponse
	if errors.As(err, &der) && der.Response != nil {
		return der.Response.StatusCode
	}
	return 0
}
