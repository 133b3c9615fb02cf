// Package errors provides structured errors for topology operations with
// HTTP status code mapping for the node-ops and admin APIs.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for topology operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeNotMember        ErrorCode = 1001
	ErrCodeAlreadyMember    ErrorCode = 1002
	ErrCodeNodeNotFound     ErrorCode = 1003
	ErrCodeUnknownCommand   ErrorCode = 1004
	ErrCodeDecommissioned   ErrorCode = 1005
	ErrCodeUnsupportedState ErrorCode = 1006

	// Conflict errors: rejected synchronously, cluster state untouched
	ErrCodeOperationInProgress ErrorCode = 3000
	ErrCodeUnknownOperation    ErrorCode = 3001
	ErrCodePendingRanges       ErrorCode = 3002
	ErrCodePointlessOperation  ErrorCode = 3003
	ErrCodeEndpointCollision   ErrorCode = 3004
	ErrCodeNodeAlive           ErrorCode = 3005

	// Server errors (5xx equivalent)
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeUnavailable  ErrorCode = 2001
	ErrCodeSyncFailed   ErrorCode = 2002
	ErrCodeGossipFailed ErrorCode = 2003
	ErrCodeStoreFailed  ErrorCode = 2004
	ErrCodeAborted      ErrorCode = 2005
)

// TopologyError represents a structured error with code and context
type TopologyError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *TopologyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TopologyError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *TopologyError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeUnknownCommand, ErrCodeUnsupportedState:
		return http.StatusBadRequest
	case ErrCodeNodeNotFound, ErrCodeUnknownOperation:
		return http.StatusNotFound
	case ErrCodeOperationInProgress, ErrCodeAlreadyMember, ErrCodePendingRanges,
		ErrCodePointlessOperation, ErrCodeEndpointCollision, ErrCodeNodeAlive,
		ErrCodeNotMember, ErrCodeDecommissioned:
		return http.StatusConflict
	case ErrCodeUnavailable, ErrCodeGossipFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewTopologyError creates a new TopologyError
func NewTopologyError(code ErrorCode, message string, cause error) *TopologyError {
	return &TopologyError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *TopologyError) WithDetail(key string, value interface{}) *TopologyError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *TopologyError {
	return NewTopologyError(ErrCodeInvalidArgument, message, cause)
}

func NotMember(node string) *TopologyError {
	return NewTopologyError(ErrCodeNotMember, fmt.Sprintf("node %s is not a member of the token ring yet", node), nil).
		WithDetail("node", node)
}

func AlreadyMember(node string) *TopologyError {
	return NewTopologyError(ErrCodeAlreadyMember,
		"this node is already a member of the token ring; bootstrap aborted (if replacing a dead node, remove the old one from the ring first)", nil).
		WithDetail("node", node)
}

func OperationInProgress(pending []string) *TopologyError {
	return NewTopologyError(ErrCodeOperationInProgress, fmt.Sprintf("pending node ops is in progress: %v", pending), nil).
		WithDetail("pending_ops", pending)
}

func UnknownOperation(opsID string) *TopologyError {
	return NewTopologyError(ErrCodeUnknownOperation, fmt.Sprintf("the node ops %s is unknown", opsID), nil).
		WithDetail("ops_uuid", opsID)
}

func PendingRanges(keyspace string) *TopologyError {
	return NewTopologyError(ErrCodePendingRanges, "data is currently moving to this node; unable to leave the ring", nil).
		WithDetail("keyspace", keyspace)
}

func PointlessDecommission() *TopologyError {
	return NewTopologyError(ErrCodePointlessOperation, "no other normal nodes in the ring; decommission would be pointless", nil)
}

func EndpointCollision(addr string) *TopologyError {
	return NewTopologyError(ErrCodeEndpointCollision,
		fmt.Sprintf("a node with address %s already exists, cancelling join; use replace_node if you want to replace this node", addr), nil).
		WithDetail("address", addr)
}

func NodeAlive(node string) *TopologyError {
	return NewTopologyError(ErrCodeNodeAlive,
		fmt.Sprintf("the node being removed is alive (node=%s), maybe you should use decommission instead", node), nil).
		WithDetail("node", node)
}

func NodeNotFound(hostID string) *TopologyError {
	return NewTopologyError(ErrCodeNodeNotFound, fmt.Sprintf("node %s not found in the cluster", hostID), nil).
		WithDetail("host_id", hostID)
}

func Decommissioned() *TopologyError {
	return NewTopologyError(ErrCodeDecommissioned,
		"this node was decommissioned and will not rejoin the ring unless override_decommission is set, or all existing data is removed and the node is bootstrapped again", nil)
}

func SyncFailed(message string, cause error) *TopologyError {
	return NewTopologyError(ErrCodeSyncFailed, message, cause)
}

func InternalError(message string, cause error) *TopologyError {
	return NewTopologyError(ErrCodeInternal, message, cause)
}

func Aborted(message string) *TopologyError {
	return NewTopologyError(ErrCodeAborted, message, nil)
}

// IsTopologyError checks if an error is a TopologyError
func IsTopologyError(err error) bool {
	var te *TopologyError
	return stderrors.As(err, &te)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var te *TopologyError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ErrCodeInternal
}

// HTTPStatusFor maps any error to an HTTP status code
func HTTPStatusFor(err error) int {
	var te *TopologyError
	if stderrors.As(err, &te) {
		return te.HTTPStatus()
	}
	return http.StatusInternalServerError
}
