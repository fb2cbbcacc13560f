package bypass

import (
	"net/netip"
	"testing"
)

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestProtectThenIsProtected(t *testing.T) {
	r := New()
	r.Protect([]netip.AddrPort{ap("203.0.113.5:51820")})
	if !r.IsProtected(netip.MustParseAddr("203.0.113.5")) {
		t.Error("expected endpoint to be protected")
	}
}

func TestReleaseRemovesLastRef(t *testing.T) {
	r := New()
	endpoints := []netip.AddrPort{ap("203.0.113.5:51820")}
	r.Protect(endpoints)
	r.Release(endpoints)
	if r.IsProtected(netip.MustParseAddr("203.0.113.5")) {
		t.Error("expected endpoint to no longer be protected")
	}
}

func TestSharedEndpointSurvivesOneRelease(t *testing.T) {
	r := New()
	endpoints := []netip.AddrPort{ap("203.0.113.5:51820")}
	r.Protect(endpoints) // tunnel A
	r.Protect(endpoints) // tunnel B shares the same server
	r.Release(endpoints) // tunnel A tears down
	if !r.IsProtected(netip.MustParseAddr("203.0.113.5")) {
		t.Error("expected endpoint to remain protected while tunnel B depends on it")
	}
	r.Release(endpoints) // tunnel B tears down
	if r.IsProtected(netip.MustParseAddr("203.0.113.5")) {
		t.Error("expected endpoint released once all tunnels depending on it tear down")
	}
}

func TestUnprotectedAddrReportsFalse(t *testing.T) {
	r := New()
	if r.IsProtected(netip.MustParseAddr("8.8.8.8")) {
		t.Error("expected unregistered address to be unprotected")
	}
}
