package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/model"
)

// NodeOpsPath is the command endpoint exposed by every node.
const NodeOpsPath = "/v1/node-ops"

// FailureKind classifies why a node operation command failed on one
// endpoint. Coordinators treat the kinds differently: an unknown verb
// means the peer runs an older release, a down node may be excluded
// via ignore lists, and a failed node aborts the operation.
type FailureKind int

const (
	// FailureUnknownVerb means the peer does not understand the
	// command.
	FailureUnknownVerb FailureKind = iota
	// FailureDown means the peer could not be reached.
	FailureDown
	// FailureFailed means the peer understood the command and
	// rejected it or errored while executing it.
	FailureFailed
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnknownVerb:
		return "unknown_verb"
	case FailureDown:
		return "down"
	case FailureFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CommandError is a classified failure of one command on one endpoint.
type CommandError struct {
	Endpoint model.NodeID
	Kind     FailureKind
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("node_ops_cmd on %s %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// NodeOpsClient sends node operation commands to cluster peers.
type NodeOpsClient interface {
	// SendCommand delivers one command to one endpoint. The returned
	// error, when non-nil, is a *CommandError.
	SendCommand(ctx context.Context, endpoint model.NodeID, req *model.NodeOpsRequest) (*model.NodeOpsResponse, error)
}

// HTTPNodeOpsClient is the production NodeOpsClient over HTTP JSON.
type HTTPNodeOpsClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPNodeOpsClient creates a node operations client with the given
// per-command timeout.
func NewHTTPNodeOpsClient(timeout time.Duration, logger *zap.Logger) *HTTPNodeOpsClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNodeOpsClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SendCommand implements NodeOpsClient.
func (c *HTTPNodeOpsClient) SendCommand(ctx context.Context, endpoint model.NodeID, req *model.NodeOpsRequest) (*model.NodeOpsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &CommandError{Endpoint: endpoint, Kind: FailureFailed, Err: fmt.Errorf("encoding request: %w", err)}
	}

	url := fmt.Sprintf("http://%s%s", endpoint, NodeOpsPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &CommandError{Endpoint: endpoint, Kind: FailureFailed, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending node_ops_cmd",
		zap.String("endpoint", string(endpoint)),
		zap.String("cmd", string(req.Cmd)),
		zap.String("ops_id", string(req.OpsID)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &CommandError{Endpoint: endpoint, Kind: FailureDown, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &CommandError{Endpoint: endpoint, Kind: FailureDown, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, &CommandError{
			Endpoint: endpoint,
			Kind:     FailureUnknownVerb,
			Err:      fmt.Errorf("command %s not supported (status %d)", req.Cmd, resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &CommandError{
			Endpoint: endpoint,
			Kind:     FailureFailed,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
		}
	}

	var opsResp model.NodeOpsResponse
	if err := json.Unmarshal(raw, &opsResp); err != nil {
		return nil, &CommandError{Endpoint: endpoint, Kind: FailureFailed, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if !opsResp.OK {
		return nil, &CommandError{
			Endpoint: endpoint,
			Kind:     FailureFailed,
			Err:      fmt.Errorf("command %s rejected: %s", req.Cmd, opsResp.Error),
		}
	}
	return &opsResp, nil
}
