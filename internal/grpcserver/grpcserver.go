// Package grpcserver builds the shared *grpc.Server both rexecd and
// rexec-gateway start, directly grounded on please's
// tools/cache/server/rpc_server.go (BuildGrpcServer, ServeGrpcForever,
// serverWithAuth, handleSignals): optional mTLS, grpc_prometheus
// interceptors, a standard gRPC health service, and signal-driven shutdown
// that escalates from graceful to forced across repeated signals.
package grpcserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	logging "gopkg.in/op/go-logging.v1"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = logging.MustGetLogger("grpcserver")

// maxMsgSize is generous since CAS blobs can legitimately be large; the
// byte-stream RPCs chunk anyway, but unary Batch* calls can carry many
// megabytes of inlined content.
const maxMsgSize = 200 * 1024 * 1024

// TLSConfig configures optional server-side mTLS.
type TLSConfig struct {
	KeyFile    string
	CertFile   string
	CACertFile string
}

var metricsOnce sync.Once

// Build constructs an unstarted *grpc.Server with optional mTLS and
// Prometheus interceptors wired in, plus the standard gRPC health service
// reporting SERVING for serviceName.
func Build(tlsCfg TLSConfig, serviceName string) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	if tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading x509 key pair: %w", err)
		}
		cfg := tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequestClientCert}
		if tlsCfg.CACertFile != "" {
			pemBytes, err := os.ReadFile(tlsCfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("reading CA cert file: %w", err)
			}
			cfg.ClientCAs = x509.NewCertPool()
			if !cfg.ClientCAs.AppendCertsFromPEM(pemBytes) {
				return nil, fmt.Errorf("no PEM certificates found in CA cert file %s", tlsCfg.CACertFile)
			}
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(&cfg)))
	}
	s := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthServer)

	metricsOnce.Do(func() {
		grpc_prometheus.EnableHandlingTimeHistogram()
		prometheus.MustRegister(grpc_prometheus.DefaultServerMetrics)
	})
	return s, nil
}

// Listen opens a TCP listener on port.
func Listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

// ServeForever serves s on lis until a termination signal is received,
// escalating from graceful to forced shutdown across repeated signals.
func ServeForever(s *grpc.Server, lis net.Listener) {
	log.Notice("Serving gRPC on %s", lis.Addr())
	go handleSignals(s)
	s.Serve(lis)
}

func handleSignals(s *grpc.Server) {
	c := make(chan os.Signal, 3)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-c
	log.Warning("Received signal %s, gracefully shutting down gRPC server", sig)
	go s.GracefulStop()
	sig = <-c
	log.Warning("Received signal %s, forcibly shutting down gRPC server", sig)
	go s.Stop()
	sig = <-c
	log.Fatalf("Received signal %s, terminating", sig)
}
