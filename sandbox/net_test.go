package sandbox

import (
	"testing"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

func newNetGuard(t *testing.T, net types.NetPermissions) *Guard {
	t.Helper()
	g, err := New(types.PermissionSpec{Net: net}, Options{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

func TestCheckHost(t *testing.T) {
	tests := []struct {
		name      string
		net       types.NetPermissions
		host      string
		wantAllow bool
	}{
		{
			name:      "default deny",
			net:       types.NetPermissions{},
			host:      "example.com",
			wantAllow: false,
		},
		{
			name:      "exact allow",
			net:       types.NetPermissions{AllowHosts: []string{"api.example.com"}},
			host:      "api.example.com",
			wantAllow: true,
		},
		{
			name:      "exact allow rejects sibling",
			net:       types.NetPermissions{AllowHosts: []string{"api.example.com"}},
			host:      "www.example.com",
			wantAllow: false,
		},
		{
			name:      "wildcard matches subdomain",
			net:       types.NetPermissions{AllowHosts: []string{"*.example.com"}},
			host:      "deep.sub.example.com",
			wantAllow: true,
		},
		{
			name:      "wildcard does not match bare domain",
			net:       types.NetPermissions{AllowHosts: []string{"*.example.com"}},
			host:      "example.com",
			wantAllow: false,
		},
		{
			name:      "wildcard respects dot boundary",
			net:       types.NetPermissions{AllowHosts: []string{"*.example.com"}},
			host:      "evilexample.com",
			wantAllow: false,
		},
		{
			name: "deny wins over allow",
			net: types.NetPermissions{
				AllowHosts: []string{"*.example.com"},
				DenyHosts:  []string{"internal.example.com"},
			},
			host:      "internal.example.com",
			wantAllow: false,
		},
		{
			name: "deny wildcard wins over exact allow",
			net: types.NetPermissions{
				AllowHosts: []string{"metrics.internal.corp"},
				DenyHosts:  []string{"*.internal.corp"},
			},
			host:      "metrics.internal.corp",
			wantAllow: false,
		},
		{
			name:      "cidr allows ipv4 literal",
			net:       types.NetPermissions{AllowCIDRs: []string{"10.0.0.0/8"}},
			host:      "10.1.2.3",
			wantAllow: true,
		},
		{
			name:      "cidr rejects ipv4 outside range",
			net:       types.NetPermissions{AllowCIDRs: []string{"10.0.0.0/8"}},
			host:      "192.168.1.1",
			wantAllow: false,
		},
		{
			name:      "cidr not consulted for hostname",
			net:       types.NetPermissions{AllowCIDRs: []string{"0.0.0.0/0"}},
			host:      "example.com",
			wantAllow: false,
		},
		{
			name:      "scheme and port stripped before matching",
			net:       types.NetPermissions{AllowHosts: []string{"api.example.com"}},
			host:      "https://API.example.com:8443/v1/items",
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newNetGuard(t, tt.net)
			err := g.CheckHost(tt.host, 0)
			if tt.wantAllow && err != nil {
				t.Fatalf("CheckHost(%q) denied: %v", tt.host, err)
			}
			if !tt.wantAllow {
				if err == nil {
					t.Fatalf("CheckHost(%q) allowed, want denial", tt.host)
				}
				if !fault.IsPermissionDenied(err) {
					t.Errorf("error kind = %v, want PERMISSION_DENIED", fault.KindOf(err))
				}
			}
		})
	}
}

func TestCheckHost_DenialCountsMetric(t *testing.T) {
	collector := metrics.NewCollector()
	g, err := New(types.PermissionSpec{}, Options{
		Cwd:     t.TempDir(),
		Metrics: collector,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_ = g.CheckHost("example.com", 443)
	_ = g.CheckHost("example.org", 0)

	if got := collector.Snapshot().PermissionDenials; got != 2 {
		t.Errorf("PermissionDenials = %d, want 2", got)
	}
}

func TestCheckHost_ModeKnobDoesNotWeakenChecks(t *testing.T) {
	// The mode knob is accepted for wire compatibility only; an allow
	// miss is denied the same under every value.
	var records []AuditRecord
	g, err := New(types.PermissionSpec{
		Net: types.NetPermissions{AllowHosts: []string{"api.example.com"}},
	}, Options{
		Cwd:   t.TempDir(),
		Mode:  types.SandboxCompat,
		Audit: func(rec AuditRecord) { records = append(records, rec) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = g.CheckHost("other.example.com", 443)
	if err == nil {
		t.Fatal("mode knob weakened an allow miss into a pass")
	}
	if !fault.IsPermissionDenied(err) {
		t.Errorf("error kind = %v, want PERMISSION_DENIED", fault.KindOf(err))
	}
	if len(records) != 1 || records[0].Allowed {
		t.Errorf("records = %+v, want one denial record", records)
	}
}

func TestRequestTimeout(t *testing.T) {
	g := newNetGuard(t, types.NetPermissions{RequestTimeoutMs: 2500})
	if got := g.RequestTimeout(0); got.Milliseconds() != 2500 {
		t.Errorf("RequestTimeout = %v, want 2.5s", got)
	}

	g2 := newNetGuard(t, types.NetPermissions{})
	def := g2.RequestTimeout(30_000_000_000)
	if def.Milliseconds() != 30_000 {
		t.Errorf("default RequestTimeout = %v, want 30s", def)
	}
}
