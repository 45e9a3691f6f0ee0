package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
)

// Server runs the REST API and the JSON-RPC gRPC endpoint side by side.
type Server struct {
	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	handler    *Handler
	service    *Service
}

// NewServer binds both listeners. An empty grpcAddr disables gRPC.
func NewServer(svc *Service, httpAddr, grpcAddr string, allowedOrigins []string) (*Server, error) {
	s := &Server{service: svc, handler: NewHandler(svc)}

	lis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", httpAddr, err)
	}
	s.httpLis = lis
	s.httpServer = &http.Server{
		Handler:     NewRouter(svc, allowedOrigins),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if grpcAddr != "" {
		glis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			lis.Close()
			return nil, fmt.Errorf("listening on %s: %w", grpcAddr, err)
		}
		s.grpcLis = glis
		s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(JSONCodec{}))
		s.handler.RegisterWithGRPC(s.grpcServer)
	}
	return s, nil
}

// HTTPAddr returns the bound REST address.
func (s *Server) HTTPAddr() string { return s.httpLis.Addr().String() }

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Serve blocks until ctx is cancelled or a listener fails, then shuts
// both servers down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}
	s.service.logger.Info().Str("http", s.HTTPAddr()).Str("grpc", s.GRPCAddr()).Msg("serving")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := s.httpServer.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("shutting down http server: %w", serr)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.service.logger.Info().Msg("servers stopped")
	return err
}
