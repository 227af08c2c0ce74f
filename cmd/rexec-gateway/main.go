// Command rexec-gateway is the auth/routing proxy (C3): it terminates
// client TLS and bearer-token auth, then forwards REAPI Execution, Action
// Cache, CAS, Capabilities and ByteStream calls to a healthy rexecd backend,
// injecting the validated tenant identity as a header rexecd takes as the
// caller's tenant. The Bots service is not forwarded: workers dial rexecd
// directly.
package main

import (
	"context"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/relaybuild/rexec/internal/auth"
	"github.com/relaybuild/rexec/internal/cliutil"
	"github.com/relaybuild/rexec/internal/config"
	"github.com/relaybuild/rexec/internal/grpcserver"
	"github.com/relaybuild/rexec/internal/proxy"
	"github.com/relaybuild/rexec/internal/quota"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("rexec-gateway")

var opts struct {
	Usage     string            `usage:"rexec-gateway authenticates REAPI/Bots callers and routes their calls to a pool of rexecd backends."`
	Verbosity cliutil.Verbosity `short:"v" long:"verbosity" default:"3" description:"Verbosity of output (higher number = more output)"`
	Port      int               `short:"p" long:"port" description:"Port to serve gRPC on" default:"8443"`
	Backends  string            `short:"b" long:"backends" description:"Comma-separated host:port list of rexecd backends" required:"true"`
	Config    string            `short:"c" long:"config" description:"Path to the instance/tenant YAML configuration file"`
	LogFile   string            `long:"log_file" description:"File to log to (in addition to stderr)"`

	AuthFlags struct {
		JWKSURL       string          `long:"jwks_url" description:"URL serving the issuer's JSON Web Key Set" required:"true"`
		Audience      string          `long:"audience" description:"Expected JWT audience claim"`
		TokenCacheTTL cliutil.Duration `long:"token_cache_ttl" description:"How long a validated token's claims are cached" default:"60s"`
	} `group:"Options controlling bearer-token validation"`

	ProbeFlags struct {
		CoolDown      cliutil.Duration `long:"cool_down" description:"How long an unhealthy backend is ejected before re-probing" default:"30s"`
		ProbeInterval cliutil.Duration `long:"probe_interval" description:"How often cooled-down backends are re-probed" default:"10s"`
	} `group:"Options controlling backend health probing"`

	TLSFlags struct {
		KeyFile    string `long:"key_file" description:"File containing PEM-encoded private key"`
		CertFile   string `long:"cert_file" description:"File containing PEM-encoded certificate"`
		CACertFile string `long:"ca_cert_file" description:"File containing PEM-encoded CA certificate for client auth"`
	} `group:"Options controlling TLS"`
}

func main() {
	cliutil.ParseFlagsOrDie("rexec-gateway", "1.0.0", &opts)
	cliutil.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		if err := cliutil.InitFileLogging(opts.LogFile, opts.Verbosity); err != nil {
			log.Fatalf("%s", err)
		}
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("%s", err)
	}

	ctx := context.Background()
	quotas := quota.NewManager(cfg.Tenants)
	keys := auth.NewKeySet(opts.AuthFlags.JWKSURL, cfg.Auth.JWKSDebounce)
	keys.StartRefreshing(ctx, cfg.Auth.JWKSRefreshInterval)
	validator := auth.NewValidator(keys, opts.AuthFlags.Audience, quotas, time.Duration(opts.AuthFlags.TokenCacheTTL))

	addrs := strings.Split(opts.Backends, ",")
	pool := proxy.NewPool(addrs, time.Duration(opts.ProbeFlags.CoolDown))
	go pool.ProbeLoop(ctx, time.Duration(opts.ProbeFlags.ProbeInterval))

	s, err := grpcserver.Build(grpcserver.TLSConfig{
		KeyFile:    opts.TLSFlags.KeyFile,
		CertFile:   opts.TLSFlags.CertFile,
		CACertFile: opts.TLSFlags.CACertFile,
	}, "rexec-gateway")
	if err != nil {
		log.Fatalf("%s", err)
	}

	pb.RegisterExecutionServer(s, proxy.NewExecutionGateway(pool, validator))
	pb.RegisterActionCacheServer(s, proxy.NewActionCacheGateway(pool, validator))
	pb.RegisterContentAddressableStorageServer(s, proxy.NewCASGateway(pool, validator))
	pb.RegisterCapabilitiesServer(s, proxy.NewCapabilitiesGateway(pool))
	bs.RegisterByteStreamServer(s, proxy.NewByteStreamGateway(pool, validator))

	lis, err := grpcserver.Listen(opts.Port)
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Notice("Routing to %d backend(s): %s", len(addrs), opts.Backends)
	grpcserver.ServeForever(s, lis)
}
