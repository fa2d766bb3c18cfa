package subnet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/transport"
)

type recordingTransport struct {
	envelopes []transport.Envelope
	reply     json.RawMessage
	err       error
}

func (r *recordingTransport) Deliver(ctx context.Context, endpoint string, env transport.Envelope) (json.RawMessage, error) {
	r.envelopes = append(r.envelopes, env)
	if r.err != nil {
		return nil, r.err
	}
	return r.reply, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(opts ...Option) (*Gateway, *recordingTransport) {
	tr := &recordingTransport{reply: json.RawMessage(`{}`)}
	return New(tr, testLogger(), opts...), tr
}

func TestSubnetLifecycle(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway()

	created, err := gw.CreateSubnet(ctx, "team-x", "Team X", true)
	if err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}
	if !strings.HasPrefix(created.Credential, "sk_subnet_") {
		t.Errorf("expected generated credential, got %q", created.Credential)
	}
	if created.Public() {
		t.Error("private subnet reported as public")
	}

	if _, err := gw.CreateSubnet(ctx, "team-x", "again", false); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	// Listing never exposes credentials.
	for _, s := range gw.ListSubnets() {
		if s.Credential != "" {
			t.Errorf("listing leaked credential for %s", s.ID)
		}
	}

	if err := gw.DeleteSubnet(ctx, PublicSubnetID); err == nil {
		t.Error("deleting the public subnet must fail")
	}
	if err := gw.DeleteSubnet(ctx, "team-x"); err != nil {
		t.Fatalf("DeleteSubnet: %v", err)
	}
	if err := gw.DeleteSubnet(ctx, "team-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorizeSubnet(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway()

	private, err := gw.CreateSubnet(ctx, "team-x", "Team X", true)
	if err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}

	tests := []struct {
		name       string
		subnetID   string
		credential string
		wantErr    bool
	}{
		{"public subnet needs nothing", PublicSubnetID, "", false},
		{"valid credential", "team-x", private.Credential, false},
		{"wrong credential", "team-x", "sk_subnet_bogus", true},
		{"empty credential", "team-x", "", true},
		{"unknown subnet", "ghost", private.Credential, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gw.AuthorizeSubnet(ctx, tt.subnetID, tt.credential)
			if tt.wantErr && !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway()

	private, err := gw.CreateSubnet(ctx, "team-x", "Team X", true)
	if err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}

	tests := []struct {
		name          string
		senderSubnets []string
		target        *directory.AgentRef
		credential    string
		wantErr       bool
	}{
		{
			name:   "target without subnets is public",
			target: &directory.AgentRef{ID: "t"},
		},
		{
			name:   "target in public subnet",
			target: &directory.AgentRef{ID: "t", SubnetIDs: []string{PublicSubnetID}},
		},
		{
			name:          "shared subnet",
			senderSubnets: []string{"team-x"},
			target:        &directory.AgentRef{ID: "t", SubnetIDs: []string{"team-x"}},
		},
		{
			name:       "valid credential crosses",
			target:     &directory.AgentRef{ID: "t", SubnetIDs: []string{"team-x"}},
			credential: private.Credential,
		},
		{
			name:    "no path in",
			target:  &directory.AgentRef{ID: "t", SubnetIDs: []string{"team-x"}},
			wantErr: true,
		},
		{
			name:          "disjoint subnets with bad credential",
			senderSubnets: []string{"team-y"},
			target:        &directory.AgentRef{ID: "t", SubnetIDs: []string{"team-x"}},
			credential:    "sk_subnet_bogus",
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gw.Authorize(ctx, tt.senderSubnets, tt.target, tt.credential)
			if tt.wantErr && !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCrossSubnet(t *testing.T) {
	tests := []struct {
		name          string
		senderSubnets []string
		target        *directory.AgentRef
		want          bool
	}{
		{"no target subnets", nil, &directory.AgentRef{ID: "t"}, false},
		{"shared subnet", []string{"a"}, &directory.AgentRef{ID: "t", SubnetIDs: []string{"a"}}, false},
		{"disjoint", []string{"a"}, &directory.AgentRef{ID: "t", SubnetIDs: []string{"b"}}, true},
		{"sender without subnets", nil, &directory.AgentRef{ID: "t", SubnetIDs: []string{"b"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CrossSubnet(tt.senderSubnets, tt.target); got != tt.want {
				t.Errorf("CrossSubnet = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForwardHopLimit(t *testing.T) {
	ctx := context.Background()
	gw, tr := newTestGateway(WithMaxHops(2))

	env := transport.Envelope{Sender: "a1", ContextID: "ctx"}

	// First two hops pass, each incrementing the counter.
	reply, err := gw.Forward(ctx, "http://t/deliver", env)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(reply) != `{}` {
		t.Errorf("unexpected reply %s", reply)
	}
	if len(tr.envelopes) != 1 || tr.envelopes[0].Hops != 1 {
		t.Fatalf("expected forwarded envelope with 1 hop, got %+v", tr.envelopes)
	}

	env.Hops = 1
	if _, err := gw.Forward(ctx, "http://t/deliver", env); err != nil {
		t.Fatalf("Forward at limit: %v", err)
	}

	env.Hops = 2
	if _, err := gw.Forward(ctx, "http://t/deliver", env); !errors.Is(err, ErrHopLimit) {
		t.Errorf("expected ErrHopLimit, got %v", err)
	}
	if len(tr.envelopes) != 2 {
		t.Errorf("over-limit envelope reached the transport")
	}
}

func TestForwardEmitsSpan(t *testing.T) {
	ctx := context.Background()

	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	gw, _ := newTestGateway(WithTraceManager(observability.NewTraceManager("test")))

	if _, err := gw.Forward(ctx, "http://t/deliver", transport.Envelope{Sender: "a1", ContextID: "ctx"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name() != "forward_envelope" {
		t.Errorf("span name = %q, want forward_envelope", spans[0].Name())
	}
	var hops int64 = -1
	for _, attr := range spans[0].Attributes() {
		if attr.Key == attribute.Key("acn.hops") {
			hops = attr.Value.AsInt64()
		}
	}
	if hops != 1 {
		t.Errorf("span hop attribute = %d, want 1", hops)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	persisted := &memPersistence{subnets: []*Subnet{
		{ID: "team-x", Name: "Team X", Credential: "sk_subnet_saved"},
		{ID: PublicSubnetID, Name: "stale public copy", Credential: "sk_subnet_poison"},
	}}
	tr := &recordingTransport{}
	gw := New(tr, testLogger(), WithPersistence(persisted))

	if err := gw.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := gw.Subnet("team-x")
	if err != nil {
		t.Fatalf("Subnet: %v", err)
	}
	if restored.Credential != "sk_subnet_saved" {
		t.Errorf("credential not restored: %q", restored.Credential)
	}

	// The seeded public subnet is never overwritten from persistence.
	public, err := gw.Subnet(PublicSubnetID)
	if err != nil {
		t.Fatalf("Subnet: %v", err)
	}
	if !public.Public() {
		t.Error("public subnet lost its open access on restore")
	}
}

type memPersistence struct {
	subnets []*Subnet
}

func (m *memPersistence) Save(ctx context.Context, s *Subnet) error { return nil }
func (m *memPersistence) Delete(ctx context.Context, id string) error {
	return nil
}
func (m *memPersistence) Load(ctx context.Context) ([]*Subnet, error) {
	return m.subnets, nil
}
