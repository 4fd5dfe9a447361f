// Package sim is an in-memory stand-in for vCenter behind the bridge API.
// It clones nothing: submitted tasks walk the real stage sequence on a timer
// so the rest of the system can be exercised without VMware infrastructure.
package sim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

const (
	StageCloning           = "CLONING"
	StageConfiguring       = "CONFIGURING"
	StagePoweringOn        = "POWERING_ON"
	StageWaitingForNetwork = "WAITING_FOR_NETWORK"
	StageReady             = "READY"
)

const (
	CodeTimeout              = "TIMEOUT"
	CodeConnectionError      = "CONNECTION_ERROR"
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeResourceNotFound     = "RESOURCE_NOT_FOUND"
)

var stageOrder = []string{StageCloning, StageConfiguring, StagePoweringOn, StageWaitingForNetwork, StageReady}

// VM names carrying these markers fail deterministically at a fixed stage, so
// the compensation and retry paths can be driven end to end from the portal.
// warn-network succeeds without a guest IP, exercising the degraded READY
// outcome.
const (
	markerFailClone   = "fail-clone"
	markerFailPower   = "fail-power"
	markerFailNetwork = "fail-network"
	markerWarnNetwork = "warn-network"
)

type CreateSpec struct {
	Name       string
	Template   string
	CPU        int
	MemoryGB   int
	VCenterURL string
	Datacenter string
	Cluster    string
	Datastore  string
	Network    string
	Folder     string
}

type TaskError struct {
	Code    string
	Message string
	Field   string
	Kind    string
	Name    string
}

type TaskStatus struct {
	State     string
	Stage     string
	VMID      string
	IPAddress *string
	Hostname  string
	Warning   *string
	Error     *TaskError
}

type SubmitError struct {
	Status int
	Err    TaskError
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Code, e.Err.Message)
}

type task struct {
	status TaskStatus
	spec   CreateSpec
}

// Simulator owns the task and VM tables. One goroutine per task advances it
// through the stage sequence; Status reads always see a consistent snapshot.
type Simulator struct {
	mu         sync.Mutex
	tasks      map[string]*task
	vms        map[string]bool
	templates  map[string]bool
	stageDelay time.Duration
	now        func() time.Time
}

type Options struct {
	Templates  []string
	StageDelay time.Duration
}

func New(opts Options) *Simulator {
	if opts.StageDelay <= 0 {
		opts.StageDelay = 500 * time.Millisecond
	}
	if len(opts.Templates) == 0 {
		opts.Templates = []string{"ubuntu-22.04", "debian-12", "windows-2022"}
	}
	templates := make(map[string]bool, len(opts.Templates))
	for _, t := range opts.Templates {
		templates[t] = true
	}
	return &Simulator{
		tasks:      make(map[string]*task),
		vms:        make(map[string]bool),
		templates:  templates,
		stageDelay: opts.StageDelay,
		now:        time.Now,
	}
}

// Submit validates the spec and starts a provisioning task. Validation
// failures are returned synchronously; stage failures surface through Status.
func (s *Simulator) Submit(spec CreateSpec) (string, error) {
	if field, msg := validateSpec(spec); field != "" {
		return "", &SubmitError{Status: 400, Err: TaskError{
			Code:    CodeInvalidConfiguration,
			Message: msg,
			Field:   field,
		}}
	}
	if !s.templateExists(spec.Template) {
		return "", &SubmitError{Status: 400, Err: TaskError{
			Code:    CodeResourceNotFound,
			Message: "template not found",
			Kind:    "template",
			Name:    spec.Template,
		}}
	}

	taskID := uuid.NewString()
	t := &task{
		status: TaskStatus{State: StateRunning},
		spec:   spec,
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()

	go s.run(taskID)
	return taskID, nil
}

func (s *Simulator) Status(taskID string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return TaskStatus{}, false
	}
	return t.status, true
}

// Delete reports false when the VM is unknown, which the bridge API maps to
// 404. Callers treat that as already-deleted.
func (s *Simulator) Delete(vmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.vms[vmID] {
		return false
	}
	delete(s.vms, vmID)
	return true
}

func (s *Simulator) VMExists(vmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vms[vmID]
}

func (s *Simulator) run(taskID string) {
	for _, stage := range stageOrder {
		time.Sleep(s.stageDelay)

		s.mu.Lock()
		t := s.tasks[taskID]
		t.status.Stage = stage

		if stage == StageConfiguring {
			vmID := "vm-" + uuid.NewString()[:8]
			t.status.VMID = vmID
			s.vms[vmID] = true
		}

		if failErr := failureFor(t.spec.Name, stage); failErr != nil {
			t.status.State = StateFailed
			t.status.Error = failErr
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	t := s.tasks[taskID]
	t.status.State = StateSucceeded
	t.status.Hostname = hostnameFor(t.spec.Name)
	if strings.Contains(t.spec.Name, markerWarnNetwork) {
		warning := "vm powered on but reported no IP before the network wait elapsed"
		t.status.Warning = &warning
	} else {
		ip := fakeIP(t.status.VMID)
		t.status.IPAddress = &ip
	}
	s.mu.Unlock()
}

func (s *Simulator) templateExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[name]
}

func validateSpec(spec CreateSpec) (string, string) {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return "name", "name is required"
	case strings.TrimSpace(spec.Template) == "":
		return "template", "template is required"
	case spec.CPU <= 0:
		return "cpu", "cpu must be > 0"
	case spec.MemoryGB <= 0:
		return "memory_gb", "memory_gb must be > 0"
	case strings.TrimSpace(spec.VCenterURL) == "":
		return "vcenter_url", "vcenter_url is required"
	case strings.TrimSpace(spec.Datacenter) == "":
		return "datacenter", "datacenter is required"
	}
	return "", ""
}

func failureFor(name string, stage string) *TaskError {
	switch {
	case strings.Contains(name, markerFailClone) && stage == StageCloning:
		return &TaskError{Code: CodeConnectionError, Message: "clone task lost connection to host"}
	case strings.Contains(name, markerFailPower) && stage == StagePoweringOn:
		return &TaskError{Code: CodeConnectionError, Message: "power-on task failed on host"}
	case strings.Contains(name, markerFailNetwork) && stage == StageWaitingForNetwork:
		return &TaskError{Code: CodeTimeout, Message: "guest network did not come up"}
	}
	return nil
}

func fakeIP(vmID string) string {
	var sum int
	for _, c := range vmID {
		sum += int(c)
	}
	return fmt.Sprintf("10.30.%d.%d", sum%250+1, sum%199+2)
}

func hostnameFor(name string) string {
	host := strings.ToLower(strings.TrimSpace(name))
	host = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, host)
	return strings.Trim(host, "-") + ".lab.internal"
}
