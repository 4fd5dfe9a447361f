package sim

import (
	"errors"
	"testing"
	"time"
)

func newTestSimulator() *Simulator {
	return New(Options{StageDelay: time.Millisecond})
}

func validSpec(name string) CreateSpec {
	return CreateSpec{
		Name:       name,
		Template:   "ubuntu-22.04",
		CPU:        2,
		MemoryGB:   4,
		VCenterURL: "https://vcenter.lab.internal",
		Datacenter: "dc-1",
		Cluster:    "cluster-1",
		Datastore:  "ds-1",
		Network:    "vm-network",
	}
}

func waitForTerminal(t *testing.T, s *Simulator, taskID string) TaskStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := s.Status(taskID)
		if !ok {
			t.Fatalf("task %s disappeared", taskID)
		}
		if status.State != StateRunning {
			return status
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", taskID)
	return TaskStatus{}
}

func TestSubmitWalksAllStages(t *testing.T) {
	s := newTestSimulator()
	taskID, err := s.Submit(validSpec("web-01"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitForTerminal(t, s, taskID)
	if status.State != StateSucceeded {
		t.Fatalf("state = %s, want %s (error=%+v)", status.State, StateSucceeded, status.Error)
	}
	if status.Stage != StageReady {
		t.Fatalf("stage = %s, want %s", status.Stage, StageReady)
	}
	if status.VMID == "" {
		t.Fatal("succeeded task has no vm_id")
	}
	if status.IPAddress == nil || *status.IPAddress == "" {
		t.Fatal("succeeded task has no ip address")
	}
	if status.Hostname != "web-01.lab.internal" {
		t.Fatalf("hostname = %s", status.Hostname)
	}
	if !s.VMExists(status.VMID) {
		t.Fatalf("vm %s not registered", status.VMID)
	}
}

func TestWarnNetworkMarkerSucceedsWithoutIP(t *testing.T) {
	s := newTestSimulator()
	taskID, err := s.Submit(validSpec("web-warn-network-01"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitForTerminal(t, s, taskID)
	if status.State != StateSucceeded {
		t.Fatalf("state = %s, want %s (error=%+v)", status.State, StateSucceeded, status.Error)
	}
	if status.VMID == "" || !s.VMExists(status.VMID) {
		t.Fatal("degraded success must still create the vm")
	}
	if status.IPAddress != nil {
		t.Fatalf("ip must be absent, got %s", *status.IPAddress)
	}
	if status.Warning == nil || *status.Warning == "" {
		t.Fatal("degraded success must carry a warning")
	}
	if status.Hostname == "" {
		t.Fatal("hostname must still be assigned")
	}
}

func TestSubmitValidatesSpec(t *testing.T) {
	s := newTestSimulator()
	spec := validSpec("web-01")
	spec.CPU = 0
	_, err := s.Submit(spec)

	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("err = %v, want SubmitError", err)
	}
	if submitErr.Err.Code != CodeInvalidConfiguration || submitErr.Err.Field != "cpu" {
		t.Fatalf("unexpected error: %+v", submitErr.Err)
	}
}

func TestSubmitRejectsUnknownTemplate(t *testing.T) {
	s := newTestSimulator()
	spec := validSpec("web-01")
	spec.Template = "centos-5"
	_, err := s.Submit(spec)

	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("err = %v, want SubmitError", err)
	}
	if submitErr.Err.Code != CodeResourceNotFound || submitErr.Err.Name != "centos-5" {
		t.Fatalf("unexpected error: %+v", submitErr.Err)
	}
}

func TestFailureMarkerBeforeVMCreated(t *testing.T) {
	s := newTestSimulator()
	taskID, err := s.Submit(validSpec("fail-clone-01"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitForTerminal(t, s, taskID)
	if status.State != StateFailed {
		t.Fatalf("state = %s, want %s", status.State, StateFailed)
	}
	if status.VMID != "" {
		t.Fatalf("clone failure should not leave a vm, got %s", status.VMID)
	}
	if status.Error == nil || status.Error.Code != CodeConnectionError {
		t.Fatalf("unexpected error: %+v", status.Error)
	}
}

func TestFailureMarkerAfterVMCreated(t *testing.T) {
	s := newTestSimulator()
	taskID, err := s.Submit(validSpec("fail-power-01"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitForTerminal(t, s, taskID)
	if status.State != StateFailed {
		t.Fatalf("state = %s, want %s", status.State, StateFailed)
	}
	if status.VMID == "" {
		t.Fatal("power-on failure should report the partially created vm")
	}
	if !s.VMExists(status.VMID) {
		t.Fatal("partially created vm should exist until deleted")
	}

	if !s.Delete(status.VMID) {
		t.Fatal("first delete should succeed")
	}
	if s.Delete(status.VMID) {
		t.Fatal("second delete should report not found")
	}
}

func TestNetworkTimeoutMarkerIsRetriable(t *testing.T) {
	s := newTestSimulator()
	taskID, err := s.Submit(validSpec("fail-network-01"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitForTerminal(t, s, taskID)
	if status.State != StateFailed {
		t.Fatalf("state = %s, want %s", status.State, StateFailed)
	}
	if status.Error == nil || status.Error.Code != CodeTimeout {
		t.Fatalf("unexpected error: %+v", status.Error)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	s := newTestSimulator()
	if _, ok := s.Status("nope"); ok {
		t.Fatal("unknown task should not be found")
	}
}
