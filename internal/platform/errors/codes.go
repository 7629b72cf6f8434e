// Package errors provides structured error handling for the state core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeTransientStore  Code = "TRANSIENT_STORE"

	// Outbox errors
	CodePoisonEntry Code = "POISON_ENTRY"

	// Startup errors
	CodeConfiguration Code = "CONFIGURATION"

	// Entity errors
	CodeEntityKindEmpty       Code = "ENTITY_KIND_EMPTY"
	CodeEntityIDEmpty         Code = "ENTITY_ID_EMPTY"
	CodeEntityVersionNegative Code = "ENTITY_VERSION_NEGATIVE"
	CodeEventTypeEmpty        Code = "EVENT_TYPE_EMPTY"

	// Lineage errors
	CodeLineageNodeIDEmpty      Code = "LINEAGE_NODE_ID_EMPTY"
	CodeLineageKindEmpty        Code = "LINEAGE_KIND_EMPTY"
	CodeLineageRelationEmpty    Code = "LINEAGE_RELATION_EMPTY"
	CodeLineageSelfEdge         Code = "LINEAGE_SELF_EDGE"
	CodeLineageDirectionInvalid Code = "LINEAGE_DIRECTION_INVALID"
	CodeLineageDepthInvalid     Code = "LINEAGE_DEPTH_INVALID"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeEntityKindEmpty,
		CodeEntityIDEmpty,
		CodeEntityVersionNegative,
		CodeEventTypeEmpty,
		CodeLineageNodeIDEmpty,
		CodeLineageKindEmpty,
		CodeLineageRelationEmpty,
		CodeLineageSelfEdge,
		CodeLineageDirectionInvalid,
		CodeLineageDepthInvalid:
		return codes.InvalidArgument

	// Aborted - optimistic concurrency losers should re-read and retry
	case CodeVersionConflict:
		return codes.Aborted

	// FailedPrecondition - state doesn't allow operation
	case CodePoisonEntry,
		CodeConfiguration:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// Unavailable - callers may retry as-is with backoff
	case CodeTransientStore:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
