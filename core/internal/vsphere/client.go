package vsphere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/metricsx"
)

// Client talks to the vSphere bridge, a small REST facade in front of
// vCenter. Creation is asynchronous on the bridge side: we submit a task and
// poll it, surfacing stage transitions through the caller's callback.
type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	maxWait      time.Duration
	networkWait  time.Duration
	retryMax     int
	http         *http.Client
	breaker      *circuitBreaker
}

func NewClient(cfg config.Config) (*Client, error) {
	if cfg.VsphereBridgeURL == "" {
		return nil, errors.New("VSPHERE_BRIDGE_URL is required")
	}
	return &Client{
		baseURL:      cfg.VsphereBridgeURL,
		token:        cfg.VsphereBridgeToken,
		pollInterval: time.Duration(cfg.VspherePollMS) * time.Millisecond,
		maxWait:      time.Duration(cfg.VsphereTimeoutMS) * time.Millisecond,
		networkWait:  time.Duration(cfg.VsphereNetworkWaitS) * time.Second,
		retryMax:     cfg.VsphereRetryMax,
		http:         &http.Client{Timeout: 30 * time.Second},
		breaker:      newCircuitBreaker(5, 30*time.Second),
	}, nil
}

type createTaskRequest struct {
	Name       string `json:"name"`
	Template   string `json:"template"`
	CPU        int    `json:"cpu"`
	MemoryGB   int    `json:"memory_gb"`
	VCenterURL string `json:"vcenter_url"`
	Datacenter string `json:"datacenter"`
	Cluster    string `json:"cluster"`
	Datastore  string `json:"datastore"`
	Network    string `json:"network"`
	Folder     string `json:"folder,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

type taskStatusResponse struct {
	State     string  `json:"state"` // running, succeeded, failed
	Stage     Stage   `json:"stage,omitempty"`
	VMID      string  `json:"vm_id,omitempty"`
	IPAddress *string `json:"ip_address,omitempty"`
	Hostname  string  `json:"hostname,omitempty"`
	Warning   *string `json:"warning,omitempty"`
	Error     *struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
		Field   string    `json:"field,omitempty"`
		Kind    string    `json:"kind,omitempty"`
		Name    string    `json:"name,omitempty"`
	} `json:"error,omitempty"`
}

func (c *Client) CreateVM(ctx context.Context, cfg Config, spec CreateSpec, onStage func(Stage)) (CreateResult, error) {
	if c.breaker.Open() {
		return CreateResult{}, &Error{Code: CodeConnectionError, Message: "bridge circuit open"}
	}

	taskID, err := c.submitCreate(ctx, cfg, spec)
	if err != nil {
		metricsx.IncVsphereError(string(err.Code))
		return CreateResult{}, err
	}

	deadline := time.Now().Add(c.maxWait)
	var lastStage Stage
	var createdVMID string

	for {
		select {
		case <-ctx.Done():
			metricsx.IncVsphereError(string(CodeTimeout))
			return CreateResult{}, &Error{Code: CodeTimeout, Message: "provisioning canceled or deadline exceeded", CreatedVMID: createdVMID}
		case <-time.After(c.pollInterval):
		}
		if time.Now().After(deadline) {
			metricsx.IncVsphereError(string(CodeTimeout))
			return CreateResult{}, &Error{Code: CodeTimeout, Message: fmt.Sprintf("provisioning did not finish within %s", c.maxWait), CreatedVMID: createdVMID}
		}

		status, err := c.taskStatus(ctx, taskID)
		if err != nil {
			err.CreatedVMID = createdVMID
			metricsx.IncVsphereError(string(err.Code))
			return CreateResult{}, err
		}
		if status.VMID != "" {
			createdVMID = status.VMID
		}
		if status.Stage != "" && status.Stage != lastStage {
			lastStage = status.Stage
			if status.Stage == StageWaitingForNetwork && c.networkWait > 0 {
				// Guest IP acquisition gets its own budget; it regularly
				// outlasts the rest of provisioning combined.
				deadline = time.Now().Add(c.networkWait)
			}
			onStage(status.Stage)
		}

		switch status.State {
		case "succeeded":
			return CreateResult{
				VMwareVMID: status.VMID,
				IPAddress:  status.IPAddress,
				Hostname:   status.Hostname,
				Warning:    status.Warning,
			}, nil
		case "failed":
			perr := &Error{Code: CodeConnectionError, Message: "provisioning failed", CreatedVMID: createdVMID}
			if status.Error != nil {
				perr = &Error{
					Code:        status.Error.Code,
					Message:     status.Error.Message,
					Field:       status.Error.Field,
					Kind:        status.Error.Kind,
					Name:        status.Error.Name,
					CreatedVMID: createdVMID,
				}
			}
			metricsx.IncVsphereError(string(perr.Code))
			return CreateResult{}, perr
		}
	}
}

func (c *Client) DeleteVM(ctx context.Context, cfg Config, vmID string) error {
	body, err := json.Marshal(map[string]string{"vcenter_url": cfg.VCenterURL, "datacenter": cfg.Datacenter})
	if err != nil {
		return &Error{Code: CodeInvalidConfiguration, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/vms/"+vmID, bytes.NewReader(body))
	if err != nil {
		return &Error{Code: CodeConnectionError, Message: err.Error()}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return &Error{Code: CodeConnectionError, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		c.breaker.Success()
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// Already gone; deletion is idempotent from the caller's view.
		return nil
	default:
		return c.errorFromResponse(resp)
	}
}

func (c *Client) submitCreate(ctx context.Context, cfg Config, spec CreateSpec) (string, *Error) {
	body, err := json.Marshal(createTaskRequest{
		Name:       spec.Name,
		Template:   spec.Template,
		CPU:        spec.CPU,
		MemoryGB:   spec.MemoryGB,
		VCenterURL: cfg.VCenterURL,
		Datacenter: cfg.Datacenter,
		Cluster:    cfg.Cluster,
		Datastore:  cfg.Datastore,
		Network:    cfg.Network,
		Folder:     cfg.Folder,
	})
	if err != nil {
		return "", &Error{Code: CodeInvalidConfiguration, Message: err.Error()}
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/vms", bytes.NewReader(body))
		if err != nil {
			return "", &Error{Code: CodeConnectionError, Message: err.Error()}
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			c.breaker.Fail()
			lastErr = &Error{Code: CodeConnectionError, Message: err.Error()}
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			c.breaker.Fail()
			lastErr = &Error{Code: CodeConnectionError, Message: fmt.Sprintf("bridge returned %d", resp.StatusCode)}
			continue
		}
		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			// Client errors are final, not worth retrying.
			perr := c.errorFromResponse(resp)
			resp.Body.Close()
			return "", perr
		}
		var out createTaskResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			lastErr = &Error{Code: CodeConnectionError, Message: err.Error()}
			continue
		}
		c.breaker.Success()
		return out.TaskID, nil
	}
	if lastErr == nil {
		lastErr = &Error{Code: CodeConnectionError, Message: "create request failed"}
	}
	return "", lastErr
}

func (c *Client) taskStatus(ctx context.Context, taskID string) (taskStatusResponse, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tasks/"+taskID, nil)
	if err != nil {
		return taskStatusResponse{}, &Error{Code: CodeConnectionError, Message: err.Error()}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return taskStatusResponse{}, &Error{Code: CodeConnectionError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return taskStatusResponse{}, c.errorFromResponse(resp)
	}
	var out taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return taskStatusResponse{}, &Error{Code: CodeConnectionError, Message: err.Error()}
	}
	c.breaker.Success()
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) errorFromResponse(resp *http.Response) *Error {
	var body struct {
		Error struct {
			Code    ErrorCode `json:"code"`
			Message string    `json:"message"`
			Field   string    `json:"field,omitempty"`
			Kind    string    `json:"kind,omitempty"`
			Name    string    `json:"name,omitempty"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Code != "" {
		return &Error{
			Code:    body.Error.Code,
			Message: body.Error.Message,
			Field:   body.Error.Field,
			Kind:    body.Error.Kind,
			Name:    body.Error.Name,
		}
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Code: CodeAuthenticationFailed, Message: "bridge rejected credentials"}
	case http.StatusNotFound:
		return &Error{Code: CodeResourceNotFound, Kind: "endpoint", Name: resp.Request.URL.Path}
	case http.StatusBadRequest:
		return &Error{Code: CodeInvalidConfiguration, Message: "bridge rejected request"}
	default:
		return &Error{Code: CodeConnectionError, Message: fmt.Sprintf("bridge returned %d", resp.StatusCode)}
	}
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
