package rpc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	socketDirMode fs.FileMode = 0o700
	socketMode    fs.FileMode = 0o600
)

// Server exposes the Marketplace service to the local payment gateway on a
// Unix socket only the marketd user can open.
type Server struct {
	gs   *grpc.Server
	lis  net.Listener
	path string
	log  zerolog.Logger
}

// NewServer binds the marketplace socket at path and registers h on it.
func NewServer(path string, h MarketplaceServer, log zerolog.Logger) (*Server, error) {
	log = log.With().Str("component", "rpc").Logger()
	lis, err := listenSocket(path)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls(log)))
	RegisterMarketplaceServer(gs, h)
	return &Server{gs: gs, lis: lis, path: path, log: log}, nil
}

// listenSocket replaces a socket left behind by an earlier marketd and
// binds a new one readable by the owner only.
func listenSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), socketDirMode); err != nil {
		return nil, fmt.Errorf("rpc: socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("rpc: replace socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, socketMode); err != nil {
		lis.Close()
		return nil, fmt.Errorf("rpc: restrict socket %s: %w", path, err)
	}
	return lis, nil
}

// Serve handles marketplace calls until the server is shut down.
func (s *Server) Serve() error {
	s.log.Info().Str("socket", s.path).Msg("marketplace rpc listening")
	if err := s.gs.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("rpc: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting calls and waits for in-flight operations to
// settle. Calls still running when ctx is done are cut off. The socket
// file is removed either way.
func (s *Server) Shutdown(ctx context.Context) {
	defer os.Remove(s.path)

	drained := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn().Msg("in-flight marketplace calls cut off")
		s.gs.Stop()
		<-drained
	}
}

// logCalls logs every call with the calling principal. Rejections are
// logged at info so ledger refusals show up without debug logging.
func logCalls(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := log.Debug()
		if err != nil {
			ev = log.Info().Str("code", status.Code(err).String()).Err(err)
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(PrincipalHeader); len(v) > 0 {
				ev = ev.Str("principal", v[0])
			}
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("marketplace call")
		return resp, err
	}
}
