package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/postbox/internal/account"
	"github.com/matheus3301/postbox/internal/api"
)

// Server is the control socket of one account daemon.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	socket string
	log    *zap.Logger
}

// NewServer binds the control socket. A leftover socket file is removed
// only when nothing answers on it.
func NewServer(p Params, paths account.Paths, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socket := p.SocketPath
	if socket == "" {
		socket = paths.Socket()
	}
	log := logger.Named("control")

	if _, err := os.Stat(socket); err == nil {
		if c, err := net.DialTimeout("unix", socket, 200*time.Millisecond); err == nil {
			_ = c.Close()
			return nil, fmt.Errorf("control socket %s is served by another process", socket)
		}
		log.Debug("removing stale socket", zap.String("socket", socket))
		if err := os.Remove(socket); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls(log)))
	api.Register(srv, svc)
	return &Server{grpc: srv, lis: lis, socket: socket, log: log}, nil
}

func logCalls(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("call",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.log.Info("serving", zap.String("socket", s.socket))
	if err := s.grpc.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, cutting open event streams once ctx is done,
// and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("forcing control server stop")
		s.grpc.Stop()
		<-done
	}
	_ = os.Remove(s.socket)
	s.log.Info("stopped")
}
