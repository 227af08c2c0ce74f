// Command rexecd serves the execution side of the control plane: the
// Execution scheduler (C4), Bots session manager (C5), Operation registry
// (C6), Admission/quota (C7), Action Cache (C2) and CAS (C1), one instance
// per configured REAPI instance_name. It is meant to sit behind
// rexec-gateway, which terminates auth and routes to it, but can also be
// dialled directly within a trusted cluster.
package main

import (
	"context"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"
	wpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/botsession"
	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/cliutil"
	"github.com/relaybuild/rexec/internal/config"
	"github.com/relaybuild/rexec/internal/grpcserver"
	"github.com/relaybuild/rexec/internal/instance"
	"github.com/relaybuild/rexec/internal/operations"
	"github.com/relaybuild/rexec/internal/quota"
	"github.com/relaybuild/rexec/internal/scheduler"
	"github.com/relaybuild/rexec/internal/service"
	"github.com/relaybuild/rexec/internal/statestore"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("rexecd")

var opts struct {
	Usage     string            `usage:"rexecd serves the REAPI execution/cache control plane (scheduler, bots, operations, quota, action cache, CAS)."`
	Verbosity cliutil.Verbosity `short:"v" long:"verbosity" default:"3" description:"Verbosity of output (higher number = more output)"`
	Port      int               `short:"p" long:"port" description:"Port to serve gRPC on" default:"8980"`
	Dir       string            `short:"d" long:"dir" description:"Directory to store CAS blobs and the durable WAL under" default:"rexecd-data"`
	Config    string            `short:"c" long:"config" description:"Path to the instance/tenant YAML configuration file"`
	LogFile   string            `long:"log_file" description:"File to log to (in addition to stderr)"`

	TLSFlags struct {
		KeyFile    string `long:"key_file" description:"File containing PEM-encoded private key"`
		CertFile   string `long:"cert_file" description:"File containing PEM-encoded certificate"`
		CACertFile string `long:"ca_cert_file" description:"File containing PEM-encoded CA certificate for client auth"`
	} `group:"Options controlling TLS"`
}

func main() {
	cliutil.ParseFlagsOrDie("rexecd", "1.0.0", &opts)
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

	schedulers := map[string]*scheduler.Scheduler{}
	actionCaches := map[string]*actioncache.Cache{}
	blobStores := map[string]cas.BlobStore{}
	sessions := map[string]*botsession.Manager{}
	ops := operations.New()

	for _, inst := range cfg.Instances {
		hash, _, err := inst.HashFunc()
		if err != nil {
			log.Fatalf("instance %q: %s", inst.Name, err)
		}

		store, err := cas.NewFilesystemStore(opts.Dir+"/"+instanceDir(inst.Name)+"/cas", hash, inst.MaxCacheBytes, time.Minute)
		if err != nil {
			log.Fatalf("instance %q: opening CAS store: %s", inst.Name, err)
		}
		blobStores[inst.Name] = store

		ac := actioncache.New(store)
		actionCaches[inst.Name] = ac

		wal, err := statestore.Open(opts.Dir + "/" + instanceDir(inst.Name) + "/scheduler.db")
		if err != nil {
			log.Fatalf("instance %q: opening state store: %s", inst.Name, err)
		}

		sched := scheduler.New(ctx, scheduler.Config{
			LeaseInterval:           cfg.Scheduler.LeaseInterval,
			MaxAttempts:             cfg.Scheduler.MaxAttempts,
			CancellationGracePeriod: cfg.Scheduler.CancellationGracePeriod,
		}, store, ac, ops, quotas, hash, wal)
		if err := sched.Restore(); err != nil {
			log.Fatalf("instance %q: replaying WAL: %s", inst.Name, err)
		}
		schedulers[inst.Name] = sched

		sessions[inst.Name] = botsession.New(ctx, sched, cfg.Scheduler.BotSessionTTL)

		log.Notice("Instance %q ready (digest function %s)", inst.Name, inst.DigestFunction)
	}

	s, err := grpcserver.Build(grpcserver.TLSConfig{
		KeyFile:    opts.TLSFlags.KeyFile,
		CertFile:   opts.TLSFlags.CertFile,
		CACertFile: opts.TLSFlags.CACertFile,
	}, "rexecd")
	if err != nil {
		log.Fatalf("%s", err)
	}

	instances := instance.NewRegistry(cfg.Instances)
	// no auth.Validator is wired here: rexecd trusts the tenant header set
	// by rexec-gateway, which already validated the caller. The header is
	// taken from any caller that reaches this listener.
	execSrv := service.NewExecutionServer(instances, schedulers, ops, quotas, nil)
	pb.RegisterExecutionServer(s, execSrv)
	pb.RegisterActionCacheServer(s, service.NewActionCacheServer(instances, actionCaches))
	pb.RegisterContentAddressableStorageServer(s, service.NewCASServer(instances, blobStores))
	pb.RegisterCapabilitiesServer(s, service.NewCapabilitiesServer(instances))
	bs.RegisterByteStreamServer(s, service.NewByteStreamServer(instances, blobStores))
	wpb.RegisterBotsServer(s, service.NewBotsServer(sessions))

	lis, err := grpcserver.Listen(opts.Port)
	if err != nil {
		log.Fatalf("%s", err)
	}
	grpcserver.ServeForever(s, lis)
}

func instanceDir(name string) string {
	if name == "" {
		return "_default"
	}
	return name
}
