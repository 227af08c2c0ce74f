package proxy

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("proxy")

// ProbeLoop periodically re-probes every backend's standard gRPC health
// service and re-admits any that have recovered, the re-probe half of
// spec.md §4.3's "health ejection/cool-down".
func (p *Pool) ProbeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Pool) probeOnce(ctx context.Context) {
	p.mu.RLock()
	backends := append([]*Backend(nil), p.backends...)
	p.mu.RUnlock()

	for _, b := range backends {
		b.mu.Lock()
		coolingDown := !b.healthy
		b.mu.Unlock()
		if !coolingDown {
			continue
		}
		conn, err := b.Conn(ctx)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
		cancel()
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			continue
		}
		log.Notice("Backend %s recovered, re-admitting to rotation", b.Addr)
		p.MarkHealthy(b)
	}
}
