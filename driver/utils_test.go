package driver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stackmesh/dobs-luks-csi/config"
)

func metadataServer(t *testing.T, id, region string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata/v1/id", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(id + "\n"))
	})
	mux.HandleFunc("/metadata/v1/region", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(region + "\n"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveNodeIdentity(t *testing.T) {
	t.Run("explicit config wins", func(t *testing.T) {
		id, region, err := resolveNodeIdentity(&config.NodeConfig{DropletID: "1001", Region: "dev1"})
		if err != nil {
			t.Fatal(err)
		}
		if id != "1001" || region != "dev1" {
			t.Errorf("got %s/%s, want 1001/dev1", id, region)
		}
	})

	t.Run("metadata service", func(t *testing.T) {
		srv := metadataServer(t, "424242", "fra1")
		id, region, err := resolveNodeIdentity(&config.NodeConfig{MetadataURL: srv.URL})
		if err != nil {
			t.Fatal(err)
		}
		if id != "424242" || region != "fra1" {
			t.Errorf("got %s/%s, want 424242/fra1", id, region)
		}
	})

	t.Run("partial config", func(t *testing.T) {
		srv := metadataServer(t, "424242", "fra1")
		id, region, err := resolveNodeIdentity(&config.NodeConfig{DropletID: "1001", MetadataURL: srv.URL})
		if err != nil {
			t.Fatal(err)
		}
		if id != "1001" || region != "fra1" {
			t.Errorf("got %s/%s, want 1001/fra1", id, region)
		}
	})

	t.Run("non-numeric droplet ID", func(t *testing.T) {
		_, _, err := resolveNodeIdentity(&config.NodeConfig{DropletID: "droplet-1001", Region: "dev1"})
		if err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("metadata service down", func(t *testing.T) {
		srv := metadataServer(t, "424242", "fra1")
		srv.Close()
		_, _, err := resolveNodeIdentity(&config.NodeConfig{MetadataURL: srv.URL})
		if err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestFetchMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(" 1001\n"))
	})
	mux.HandleFunc("/empty", func(_ http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := srv.Client()

	got, err := fetchMetadata(client, srv.URL+"/ok")
	if err != nil {
		t.Fatal(err)
	}
	if got != "1001" {
		t.Errorf("got %q, want the trimmed value", got)
	}

	if _, err := fetchMetadata(client, srv.URL+"/empty"); err == nil {
		t.Error("empty body did not error")
	}
	if _, err := fetchMetadata(client, srv.URL+"/missing"); err == nil {
		t.Error("404 did not error")
	}
}
