package comms

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLookupIPLiteralPassthrough(t *testing.T) {
	r := NewResolver(nil, zap.NewNop())

	addr, err := r.LookupIP(context.Background(), "192.0.2.10")
	if err != nil {
		t.Fatalf("literal lookup failed: %v", err)
	}
	if addr.String() != "192.0.2.10" {
		t.Errorf("addr = %s, want 192.0.2.10", addr)
	}

	addr, err = r.LookupIP(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatalf("v6 literal lookup failed: %v", err)
	}
	if addr.String() != "2001:db8::1" {
		t.Errorf("addr = %s, want 2001:db8::1", addr)
	}
}

func TestDNSErrorKeepsResolverMessage(t *testing.T) {
	err := &DNSError{Host: "nowhere.example", Message: "NXDOMAIN"}
	if got := err.Error(); got != "resolving nowhere.example: NXDOMAIN" {
		t.Errorf("message = %q", got)
	}
}
