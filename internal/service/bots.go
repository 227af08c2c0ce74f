package service

import (
	"context"

	wpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"

	"github.com/relaybuild/rexec/internal/botsession"
	"github.com/relaybuild/rexec/internal/rpcerrors"
)

// BotsServer implements wpb.BotsServer (C5), translating between the Bots
// protocol's BotSession/Lease wire types and botsession.Manager's internal
// Session/Lease records.
type BotsServer struct {
	wpb.UnimplementedBotsServer

	sessions map[string]*botsession.Manager // by instance name
}

// NewBotsServer constructs a BotsServer with one botsession.Manager per
// instance name.
func NewBotsServer(sessions map[string]*botsession.Manager) *BotsServer {
	return &BotsServer{sessions: sessions}
}

// CreateBotSession implements wpb.BotsServer. Like ExecutionServer's
// no-validator path, rexecd trusts the tenant header set by rexec-gateway
// (or, for a trusted-cluster direct dial, the worker's own trusted caller)
// rather than running its own credential check (spec.md §4.3 "tenant header
// injection trusted only on an in-cluster listener").
func (s *BotsServer) CreateBotSession(ctx context.Context, req *wpb.CreateBotSessionRequest) (*wpb.BotSession, error) {
	tenant := trustedTenantFromContext(ctx)
	if tenant == "" {
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unauthenticated, "missing trusted tenant header"))
	}
	mgr, ok := s.sessions[req.Parent]
	if !ok {
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.InvalidArgument, "unknown instance "+req.Parent))
	}
	platform := platformString(req.GetBotSession().GetWorker())
	session := mgr.Create(tenant, req.GetBotSession().GetBotId(), platform)
	return &wpb.BotSession{
		Name:   req.Parent + "/sessions/" + session.ID,
		BotId:  req.GetBotSession().GetBotId(),
		Status: wpb.BotStatus_OK,
	}, nil
}

// UpdateBotSession implements wpb.BotsServer: a long-poll that reports
// worker-observed lease state and returns newly assigned leases, per
// spec.md §4.5. The tenant that created the session must match the caller's
// trusted tenant, so one tenant's worker can never poll another's session.
func (s *BotsServer) UpdateBotSession(ctx context.Context, req *wpb.UpdateBotSessionRequest) (*wpb.BotSession, error) {
	tenant := trustedTenantFromContext(ctx)
	if tenant == "" {
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unauthenticated, "missing trusted tenant header"))
	}
	instanceName, sessionID := splitSessionName(req.Name)
	mgr, ok := s.sessions[instanceName]
	if !ok {
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.InvalidArgument, "unknown instance for session "+req.Name))
	}
	reported := make([]botsession.Lease, 0, len(req.GetBotSession().GetLeases()))
	for _, l := range req.GetBotSession().GetLeases() {
		reported = append(reported, botsession.Lease{ID: l.GetId(), State: leaseStateName(l.GetState())})
	}
	leases, err := mgr.Update(ctx, tenant, sessionID, reported)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	out := make([]*wpb.Lease, 0, len(leases))
	for _, l := range leases {
		out = append(out, &wpb.Lease{Id: l.ID, State: leaseStateValue(l.State)})
	}
	return &wpb.BotSession{Name: req.Name, Leases: out}, nil
}

func platformString(w *wpb.Worker) string {
	if w == nil {
		return ""
	}
	var s string
	for _, d := range w.GetDevices() {
		for _, p := range d.GetProperties() {
			s += p.GetKey() + "=" + p.GetValue() + ";"
		}
	}
	return s
}

// splitSessionName recovers the instance name and the botsession.Manager's
// own session ID from a BotSession's full resource name
// "<instance>/sessions/<id>".
func splitSessionName(name string) (instanceName, sessionID string) {
	const sep = "/sessions/"
	for i := 0; i+len(sep) <= len(name); i++ {
		if name[i:i+len(sep)] == sep {
			return name[:i], name[i+len(sep):]
		}
	}
	return "", name
}

func leaseStateName(v wpb.LeaseState) string {
	switch v {
	case wpb.LeaseState_PENDING:
		return "PENDING"
	case wpb.LeaseState_ACTIVE:
		return "ACTIVE"
	case wpb.LeaseState_COMPLETED:
		return "COMPLETED"
	case wpb.LeaseState_CANCELLED:
		return "CANCELLED"
	default:
		return "LEASE_STATE_UNSPECIFIED"
	}
}

func leaseStateValue(s string) wpb.LeaseState {
	switch s {
	case "PENDING":
		return wpb.LeaseState_PENDING
	case "ACTIVE":
		return wpb.LeaseState_ACTIVE
	case "COMPLETED":
		return wpb.LeaseState_COMPLETED
	case "CANCELLED":
		return wpb.LeaseState_CANCELLED
	default:
		return wpb.LeaseState_LEASE_STATE_UNSPECIFIED
	}
}
