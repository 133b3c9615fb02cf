package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/model"
)

func testClient() *HTTPNodeOpsClient {
	return NewHTTPNodeOpsClient(2*time.Second, zap.NewNop())
}

func endpointOf(srv *httptest.Server) model.NodeID {
	return model.NodeID(strings.TrimPrefix(srv.URL, "http://"))
}

func TestSendCommandSuccess(t *testing.T) {
	opsID := model.NewOpsID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, NodeOpsPath, r.URL.Path)

		var req model.NodeOpsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.CmdDecommissionPrepare, req.Cmd)
		assert.Equal(t, opsID, req.OpsID)

		json.NewEncoder(w).Encode(model.NodeOpsResponse{OK: true})
	}))
	defer srv.Close()

	resp, err := testClient().SendCommand(context.Background(), endpointOf(srv), &model.NodeOpsRequest{
		Cmd:   model.CmdDecommissionPrepare,
		OpsID: opsID,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestSendCommandClassifiesUnknownVerb(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient().SendCommand(context.Background(), endpointOf(srv), &model.NodeOpsRequest{
		Cmd:   model.CmdRemoveNodePrepare,
		OpsID: model.NewOpsID(),
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, FailureUnknownVerb, cmdErr.Kind)
}

func TestSendCommandClassifiesDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := endpointOf(srv)
	srv.Close()

	_, err := testClient().SendCommand(context.Background(), endpoint, &model.NodeOpsRequest{
		Cmd:   model.CmdRemoveNodeHeartbeat,
		OpsID: model.NewOpsID(),
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, FailureDown, cmdErr.Kind)
	assert.Equal(t, endpoint, cmdErr.Endpoint)
}

func TestSendCommandClassifiesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "operation in progress", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := testClient().SendCommand(context.Background(), endpointOf(srv), &model.NodeOpsRequest{
		Cmd:   model.CmdDecommissionPrepare,
		OpsID: model.NewOpsID(),
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, FailureFailed, cmdErr.Kind)
	assert.Contains(t, cmdErr.Error(), "operation in progress")
}

func TestSendCommandRejectedResponseIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.NodeOpsResponse{OK: false, Error: "no such operation"})
	}))
	defer srv.Close()

	_, err := testClient().SendCommand(context.Background(), endpointOf(srv), &model.NodeOpsRequest{
		Cmd:   model.CmdRemoveNodeDone,
		OpsID: model.NewOpsID(),
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, FailureFailed, cmdErr.Kind)
	assert.Contains(t, cmdErr.Error(), "no such operation")
}
