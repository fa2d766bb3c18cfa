// Package subnet enforces network isolation between tenant groups. The
// gateway is the single mandatory checkpoint: the router and the
// broadcast engine consult it before delivering to any target outside
// the sender's own subnet set.
package subnet

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/transport"
)

// PublicSubnetID is the default subnet. Agents in it are reachable
// without credentials, and it can never be deleted.
const PublicSubnetID = "public"

// DefaultMaxHops bounds forwarding loops in topologies with multiple
// gateways.
const DefaultMaxHops = 3

var (
	// ErrUnauthorized means the sender presented no valid credential for
	// the target's subnet. Terminal: never retried.
	ErrUnauthorized = errors.New("not authorized for target subnet")

	// ErrHopLimit means a forwarded envelope exceeded the hop cap.
	ErrHopLimit = errors.New("forward hop limit exceeded")

	// ErrNotFound means the subnet does not exist.
	ErrNotFound = errors.New("subnet not found")

	// ErrExists means a subnet with that id already exists.
	ErrExists = errors.New("subnet already exists")
)

// Subnet is a named isolation boundary. An empty Credential marks a
// public subnet that requires no authorization.
type Subnet struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Credential string    `json:"credential,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Public reports whether the subnet requires no credential.
func (s *Subnet) Public() bool { return s.Credential == "" }

// Gateway authorizes cross-subnet delivery and forwards envelopes with a
// bounded hop counter. The subnet table is private to the gateway and
// mutated only through its own create/delete operations.
type Gateway struct {
	mu      sync.RWMutex
	subnets map[string]*Subnet

	transport transport.Transport
	store     Persistence
	maxHops   int
	logger    *slog.Logger
	tracer    *observability.TraceManager
}

// Persistence saves subnet definitions across restarts. Nil is valid for
// test and ephemeral deployments.
type Persistence interface {
	Save(ctx context.Context, s *Subnet) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Subnet, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxHops overrides the forwarding hop cap.
func WithMaxHops(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxHops = n
		}
	}
}

// WithPersistence attaches a durable subnet table.
func WithPersistence(p Persistence) Option {
	return func(g *Gateway) { g.store = p }
}

// WithTraceManager overrides the trace manager used for forward spans.
func WithTraceManager(tm *observability.TraceManager) Option {
	return func(g *Gateway) { g.tracer = tm }
}

// New builds a gateway seeded with the public subnet.
func New(tr transport.Transport, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		subnets:   make(map[string]*Subnet),
		transport: tr,
		maxHops:   DefaultMaxHops,
		logger:    logger,
		tracer:    observability.NewTraceManager("acn-subnet"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.subnets[PublicSubnetID] = &Subnet{
		ID:        PublicSubnetID,
		Name:      "Public Network",
		CreatedAt: time.Now().UTC(),
	}
	return g
}

// Restore loads persisted subnets into the table. Called once at startup.
func (g *Gateway) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	subnets, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load subnets: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range subnets {
		if s.ID == PublicSubnetID {
			continue
		}
		g.subnets[s.ID] = s
	}
	g.logger.InfoContext(ctx, "restored subnets", slog.Int("count", len(subnets)))
	return nil
}

// CreateSubnet registers a new subnet. A private subnet gets a generated
// credential which is returned exactly once; the gateway never exposes
// it again.
func (g *Gateway) CreateSubnet(ctx context.Context, id, name string, private bool) (*Subnet, error) {
	if id == "" {
		return nil, fmt.Errorf("subnet id cannot be empty")
	}

	s := &Subnet{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if private {
		token, err := newCredential()
		if err != nil {
			return nil, err
		}
		s.Credential = token
	}

	g.mu.Lock()
	if _, ok := g.subnets[id]; ok {
		g.mu.Unlock()
		return nil, ErrExists
	}
	g.subnets[id] = s
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Save(ctx, s); err != nil {
			return nil, fmt.Errorf("persist subnet %s: %w", id, err)
		}
	}

	g.logger.InfoContext(ctx, "subnet created",
		slog.String("subnet_id", id),
		slog.Bool("public", s.Public()),
	)
	return s, nil
}

// DeleteSubnet removes a subnet. The public subnet cannot be deleted.
func (g *Gateway) DeleteSubnet(ctx context.Context, id string) error {
	if id == PublicSubnetID {
		return fmt.Errorf("cannot delete the public subnet")
	}

	g.mu.Lock()
	if _, ok := g.subnets[id]; !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	delete(g.subnets, id)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete subnet %s: %w", id, err)
		}
	}

	g.logger.InfoContext(ctx, "subnet deleted", slog.String("subnet_id", id))
	return nil
}

// Subnet returns a subnet definition by id.
func (g *Gateway) Subnet(id string) (*Subnet, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.subnets[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *s
	return &dup, nil
}

// ListSubnets returns all subnet definitions with credentials blanked.
func (g *Gateway) ListSubnets() []*Subnet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Subnet, 0, len(g.subnets))
	for _, s := range g.subnets {
		dup := *s
		dup.Credential = ""
		out = append(out, &dup)
	}
	return out
}

// AuthorizeSubnet checks a credential against a single target subnet.
func (g *Gateway) AuthorizeSubnet(ctx context.Context, targetSubnetID, credential string) error {
	g.mu.RLock()
	s, ok := g.subnets[targetSubnetID]
	g.mu.RUnlock()
	if !ok {
		return ErrUnauthorized
	}
	if s.Public() {
		return nil
	}
	if credential != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(s.Credential)) == 1 {
		return nil
	}
	return ErrUnauthorized
}

// Authorize decides whether a sender may deliver to the resolved target.
// Delivery is allowed when the sender shares a subnet with the target,
// when the target is reachable through the public subnet, or when the
// presented credential is valid for one of the target's subnets.
func (g *Gateway) Authorize(ctx context.Context, senderSubnets []string, target *directory.AgentRef, credential string) error {
	// Targets with no subnet memberships are treated as public.
	if len(target.SubnetIDs) == 0 || target.InSubnet(PublicSubnetID) {
		return nil
	}
	for _, sub := range senderSubnets {
		if target.InSubnet(sub) {
			return nil
		}
	}
	for _, sub := range target.SubnetIDs {
		if err := g.AuthorizeSubnet(ctx, sub, credential); err == nil {
			return nil
		}
	}
	g.logger.InfoContext(ctx, "cross-subnet delivery denied",
		slog.String("target", target.ID),
		slog.Any("target_subnets", target.SubnetIDs),
	)
	return ErrUnauthorized
}

// CrossSubnet reports whether the target sits outside every subnet the
// sender belongs to, in which case delivery must go through Forward.
func CrossSubnet(senderSubnets []string, target *directory.AgentRef) bool {
	if len(target.SubnetIDs) == 0 {
		return false
	}
	for _, sub := range senderSubnets {
		if target.InSubnet(sub) {
			return false
		}
	}
	return true
}

// Forward delivers an envelope across a subnet boundary, incrementing
// its hop counter. The counter bounds loops between chained gateways.
func (g *Gateway) Forward(ctx context.Context, endpoint string, env transport.Envelope) (json.RawMessage, error) {
	env.Hops++
	ctx, span := g.tracer.StartForwardSpan(ctx, endpoint, env.Hops)
	defer span.End()

	if env.Hops > g.maxHops {
		g.tracer.RecordError(span, ErrHopLimit)
		return nil, ErrHopLimit
	}

	reply, err := g.transport.Deliver(ctx, endpoint, env)
	if err != nil {
		g.tracer.RecordError(span, err)
		return nil, err
	}
	g.tracer.SetSpanSuccess(span)
	return reply, nil
}

func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate subnet credential: %w", err)
	}
	return "sk_subnet_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
