package vsphere

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vm-provision-portal/shared/config"
)

func newTestClient(t *testing.T, url string, timeoutMS int, networkWaitS int) *Client {
	t.Helper()
	c, err := NewClient(config.Config{
		VsphereBridgeURL:    url,
		VsphereTimeoutMS:    timeoutMS,
		VspherePollMS:       20,
		VsphereNetworkWaitS: networkWaitS,
		VsphereRetryMax:     1,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return c
}

func testConfig() Config {
	return Config{VCenterURL: "https://vc.lab", Datacenter: "dc1", Cluster: "c1", Datastore: "ds1", Network: "net1"}
}

func testSpec() CreateSpec {
	return CreateSpec{Name: "web-01", Template: "ubuntu-22.04", CPU: 2, MemoryGB: 4}
}

// The overall provisioning deadline must stop governing once the task is
// waiting for a guest IP; that phase carries its own wait budget.
func TestCreateVMNetworkWaitExtendsDeadline(t *testing.T) {
	var firstPoll atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t1"})
			return
		}
		now := time.Now().UnixMilli()
		firstPoll.CompareAndSwap(0, now)
		resp := map[string]any{"state": "running", "stage": string(StageWaitingForNetwork)}
		if now-firstPoll.Load() >= 300 {
			ip := "10.0.0.8"
			resp = map[string]any{
				"state": "succeeded", "stage": string(StageReady),
				"vm_id": "vm-1", "ip_address": ip, "hostname": "web-01.lab.internal",
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	// The 100ms overall budget alone would expire long before the 300ms the
	// bridge spends waiting for the network.
	client := newTestClient(t, srv.URL, 100, 2)

	stages := 0
	result, err := client.CreateVM(context.Background(), testConfig(), testSpec(), func(Stage) { stages++ })
	if err != nil {
		t.Fatalf("create should outlive the base deadline while waiting for network: %v", err)
	}
	if result.VMwareVMID != "vm-1" || result.IPAddress == nil || *result.IPAddress != "10.0.0.8" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if stages == 0 {
		t.Fatal("stage callback never fired")
	}
}

func TestCreateVMTimesOutWithoutNetworkWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "stage": string(StageCloning)})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 100, 2)

	_, err := client.CreateVM(context.Background(), testConfig(), testSpec(), func(Stage) {})
	var vsErr *Error
	if !errors.As(err, &vsErr) || vsErr.Code != CodeTimeout {
		t.Fatalf("expected TIMEOUT before the network stage, got %v", err)
	}
	if !vsErr.Retriable() {
		t.Fatal("timeout must be retriable")
	}
}

func TestCreateVMSurfacesWarningWithoutIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t1"})
			return
		}
		warning := "no IP reported before the network wait elapsed"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": "succeeded", "stage": string(StageReady),
			"vm_id": "vm-2", "hostname": "web-02.lab.internal", "warning": warning,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1000, 2)

	result, err := client.CreateVM(context.Background(), testConfig(), testSpec(), func(Stage) {})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.IPAddress != nil {
		t.Fatalf("expected no IP, got %v", *result.IPAddress)
	}
	if result.Warning == nil || *result.Warning == "" {
		t.Fatal("warning must be surfaced alongside the missing IP")
	}
}
