package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
)

// RunningServers describes the main listener once it is accepting connections.
type RunningServers struct {
	Addr       net.Addr
	Port       int
	GRPCServer *grpc.Server
	Close      func(ctx context.Context) error
}

// muxedListener serves one handler over plaintext (h2c) and/or TLS on a
// single TCP port. cmux sniffs the TLS handshake to split the two.
type muxedListener struct {
	name    string
	lis     net.Listener
	servers []*http.Server
	once    sync.Once
}

func listenMuxed(name string, cfg config.ListenerConfig, handler http.Handler) (*muxedListener, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("%s listener requires plaintext and/or tls enabled", name)
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	// Load the certificate before binding so a bad path does not leak the port.
	var cert tls.Certificate
	if cfg.EnableTLS {
		var err error
		if cert, err = loadServerCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, err
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}
	m := &muxedListener{name: name, lis: lis}
	muxer := cmux.New(lis)

	// Matchers are tried in registration order: TLS first, then anything else.
	var tlsLis, plainLis net.Listener
	if cfg.EnableTLS {
		tlsLis = muxer.Match(cmux.TLS())
	}
	if cfg.EnablePlainText {
		plainLis = muxer.Match(cmux.Any())
	}

	if tlsLis != nil {
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: cfg.ReadHeaderTimeout}
		wrapped := tls.NewListener(tlsLis, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
		m.serve(srv, wrapped, "tls")
	}
	if plainLis != nil {
		srv := &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		m.serve(srv, plainLis, "plaintext")
	}

	go func() {
		if err := muxer.Serve(); err != nil && !errors.Is(err, net.ErrClosed) &&
			!strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("Listener mux failed", "listener", name, "err", err)
		}
	}()
	return m, nil
}

func (m *muxedListener) serve(srv *http.Server, lis net.Listener, mode string) {
	m.servers = append(m.servers, srv)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "listener", m.name, "mode", mode, "err", err)
		}
	}()
}

func (m *muxedListener) port() int {
	if tcpAddr, ok := m.lis.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// shutdown drains the HTTP servers and closes the port. Safe to call twice.
func (m *muxedListener) shutdown(ctx context.Context) error {
	var firstErr error
	m.once.Do(func() {
		for _, srv := range m.servers {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
				firstErr = err
			}
		}
		_ = m.lis.Close()
	})
	return firstErr
}

// StartSinglePortHTTPAndGRPC serves the gin router and the gRPC server on
// cfg.Port. gRPC requests are recognised by HTTP/2 plus an application/grpc
// content type.
func StartSinglePortHTTPAndGRPC(
	_ context.Context,
	cfg config.ListenerConfig,
	httpHandler http.Handler,
	grpcServer *grpc.Server,
) (*RunningServers, error) {
	m, err := listenMuxed("main", cfg, grpcOrHTTPHandler(grpcServer, httpHandler))
	if err != nil {
		return nil, err
	}

	closeFn := func(ctx context.Context) error {
		err := m.shutdown(ctx)
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			grpcServer.Stop()
		}
		return err
	}

	return &RunningServers{
		Addr:       m.lis.Addr(),
		Port:       m.port(),
		GRPCServer: grpcServer,
		Close:      closeFn,
	}, nil
}

// startManagementServer serves health, readiness and metrics on their own
// port without gRPC. Plaintext is used when neither mode is enabled.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	m, err := listenMuxed("management", cfg, handler)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Management server listening", "addr", m.lis.Addr())
	return m.lis.Addr(), m.shutdown, nil
}

func grpcOrHTTPHandler(grpcServer *grpc.Server, httpHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}
