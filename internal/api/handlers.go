package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
)

// Engine is the part of the execution engine the ops service exposes.
type Engine interface {
	Portfolio() engine.PortfolioView
	Orders() []domain.Order
	Order(id string) (domain.Order, error)
	CancelOrder(ctx context.Context, id string) error
	CancelAll(ctx context.Context) error
	Orphans() []engine.Orphan
	Stats() engine.Stats
}

var _ Engine = (*engine.Engine)(nil)

// ExecutionService implements ExecutionServer over an engine.
type ExecutionService struct {
	engine Engine
}

var _ ExecutionServer = (*ExecutionService)(nil)

// NewExecutionService creates the ops service.
func NewExecutionService(e Engine) *ExecutionService {
	return &ExecutionService{engine: e}
}

// GetPortfolio returns the current portfolio view.
func (s *ExecutionService) GetPortfolio(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.engine.Portfolio())
}

// ListOrders returns every order, or only those in the requested state.
func (s *ExecutionService) ListOrders(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	want := domain.OrderState(strings.ToUpper(strings.TrimSpace(in.GetValue())))
	orders := make([]domain.Order, 0)
	for _, o := range s.engine.Orders() {
		if want == "" || o.State == want {
			orders = append(orders, o)
		}
	}
	return toStruct(map[string]any{"orders": orders})
}

// GetOrder returns one order.
func (s *ExecutionService) GetOrder(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	o, err := s.engine.Order(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(o)
}

// CancelOrder requests cancellation. Cancelling a finished order succeeds
// without effect.
func (s *ExecutionService) CancelOrder(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "order id is required")
	}
	if err := s.engine.CancelOrder(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// CancelAll requests cancellation of every open order.
func (s *ExecutionService) CancelAll(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	var open int64
	for _, o := range s.engine.Orders() {
		if !o.State.Terminal() {
			open++
		}
	}
	if err := s.engine.CancelAll(ctx); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(open), nil
}

// ListOrphans returns the orphan report so far.
func (s *ExecutionService) ListOrphans(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	orphans := s.engine.Orphans()
	if orphans == nil {
		orphans = []engine.Orphan{}
	}
	return toStruct(map[string]any{"orphans": orphans})
}

// GetStats returns engine counters.
func (s *ExecutionService) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.engine.Stats())
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return st, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.IsTransient(err), errors.Is(err, domain.ErrRetriesExhausted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, fmt.Sprint(err))
	}
}
