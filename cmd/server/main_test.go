package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/vantage/internal/authmw"
	vc "github.com/linnemanlabs/vantage/internal/cfg"
	"github.com/linnemanlabs/vantage/internal/lifecycle"
	sig "github.com/linnemanlabs/vantage/internal/signal"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestAPITokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     vc.Config
		want    map[string]string
		wantErr string
	}{
		{
			name: "shared token only",
			cfg:  vc.Config{APIToken: "shared"},
			want: map[string]string{"shared": authmw.AnyTenant},
		},
		{
			name: "tenant tokens and shared token",
			cfg:  vc.Config{APIToken: "shared", TenantTokens: "acme=tok-a"},
			want: map[string]string{"shared": authmw.AnyTenant, "tok-a": "acme"},
		},
		{
			name:    "shared token reused for a tenant",
			cfg:     vc.Config{APIToken: "tok-a", TenantTokens: "acme=tok-a"},
			wantErr: "also bound",
		},
		{
			name:    "malformed bindings",
			cfg:     vc.Config{TenantTokens: "acme"},
			wantErr: "TENANT_TOKENS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := apiTokens(&tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("apiTokens() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("apiTokens() = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("apiTokens() = %v, want %v", got, tt.want)
			}
			for tok, tenant := range tt.want {
				if got[tok] != tenant {
					t.Errorf("token %q -> %q, want %q", tok, got[tok], tenant)
				}
			}
		})
	}
}

func TestRulesetSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, err := rulesetSource("").Fetch(ctx, "posture-v1"); err != nil {
		t.Fatalf("embedded posture-v1: %v", err)
	}

	dir := t.TempDir()
	doc := []byte("version: custom-v1\n")
	if err := os.WriteFile(filepath.Join(dir, "custom-v1.yaml"), doc, 0o600); err != nil {
		t.Fatalf("write ruleset: %v", err)
	}
	got, err := rulesetSource(dir).Fetch(ctx, "custom-v1")
	if err != nil {
		t.Fatalf("dir ruleset: %v", err)
	}
	if string(got) != string(doc) {
		t.Errorf("Fetch() = %q, want %q", got, doc)
	}
	if _, err := rulesetSource(dir).Fetch(ctx, "posture-v1"); err == nil {
		t.Error("dir source should not fall back to embedded rulesets")
	}
}

func TestLifecyclePolicy(t *testing.T) {
	t.Parallel()

	def, err := lifecyclePolicy("")
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if def.Version != lifecycle.DefaultPolicy().Version {
		t.Errorf("Version = %q, want built-in %q", def.Version, lifecycle.DefaultPolicy().Version)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "lifecycle.yaml")
	doc := []byte("version: lifecycle-policy-custom\ntransitions:\n  - from: PROSPECT\n    to: SUSPECT\n    suppress: [ACCOUNT_ACTIVATION_DETECTED]\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	got, err := lifecyclePolicy(path)
	if err != nil {
		t.Fatalf("file policy: %v", err)
	}
	if got.Version != "lifecycle-policy-custom" {
		t.Errorf("Version = %q, want %q", got.Version, "lifecycle-policy-custom")
	}
	types := got.SuppressedTypes(sig.LifecycleProspect, sig.LifecycleSuspect)
	if len(types) != 1 || types[0] != sig.TypeAccountActivation {
		t.Errorf("SuppressedTypes(PROSPECT, SUSPECT) = %v", types)
	}
	if n := len(got.SuppressedTypes(sig.LifecycleProspect, sig.LifecycleCustomer)); n != 0 {
		t.Errorf("unlisted transition suppresses %d types, want 0", n)
	}

	if _, err := lifecyclePolicy(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing policy file should fail")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("transitions: []\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := lifecyclePolicy(bad); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("policy without version: err = %v", err)
	}
}
