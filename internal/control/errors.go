package control

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/node"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/internal/sixp"
)

var (
	// ErrInvalidArgument marks malformed request bodies.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is used when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, ErrNotFound),
		errors.Is(err, node.ErrUnknownNode),
		errors.Is(err, core.ErrNoSuchLink),
		errors.Is(err, core.ErrSlotframeNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, sim.ErrInvalidPRR),
		errors.Is(err, sim.ErrInvalidScenario),
		errors.Is(err, core.ErrTimeslotRange):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, sixp.ErrNoLink),
		errors.Is(err, sixp.ErrNoSlotframe),
		errors.Is(err, node.ErrNoNegotiate),
		errors.Is(err, node.ErrNoCellMgr):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrScheduleFull),
		errors.Is(err, sixp.ErrNoCandidates):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, core.ErrSlotframeExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, sixp.ErrBusy),
		errors.Is(err, core.ErrLockBusy),
		errors.Is(err, node.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
