// Package api exposes a running trader to operators: a gRPC Execution
// service for portfolio, order and cancel requests, and a websocket hub that
// streams order, fill and decision events.
package api

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"gotothemoon/internal/util"
)

// Server hosts the gRPC Execution service.
type Server struct {
	addr string
	grpc *grpc.Server
	log  *zap.Logger
}

// NewServer creates a server for svc listening on addr.
func NewServer(addr string, svc ExecutionServer, log *zap.Logger) *Server {
	log = util.OrNop(log).With(zap.String("component", "grpc"))
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(log)))
	RegisterExecutionServer(gs, svc)
	return &Server{addr: addr, grpc: gs, log: log}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Shutdown(context.Background())
	}()
	return s.Serve(lis)
}

// Serve serves on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("serving", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown stops accepting calls and waits for in-flight ones, or stops
// hard when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func logUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(start)),
		)
		return resp, err
	}
}
