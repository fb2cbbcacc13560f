package tunnel

import (
	"strings"
	"testing"
)

// Fake WireGuard-family keys (valid base64-encoded 32-byte values for
// testing only, never used for real cryptography).
const (
	testPrivateKey   = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE="
	testPublicKey    = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI="
	testPresharedKey = "Y2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2M="
)

func wireSockConfText() string {
	return `[Interface]
Address = 10.8.1.4/32
PrivateKey = ` + testPrivateKey + `
DNS = 198.51.100.53,208.67.222.222, 208.67.220.220

# Amnezia WG extension
Jc = 3
Jmin = 15
Jmax = 60
S1 = 10
S2 = 20
H1 = 111111111
H2 = 222222222
H3 = 333333333
H4 = 444444444

[Peer]
Endpoint = 198.51.100.1:37298
PublicKey = ` + testPublicKey + `
PresharedKey = ` + testPresharedKey + `
PersistentKeepalive = 25
AllowedIPs = 0.0.0.0/0,::/0
`
}

func TestIsModernConfigText(t *testing.T) {
	if !IsModernConfigText(wireSockConfText()) {
		t.Error("expected WireGuard-family text to be detected as modern")
	}
	if IsModernConfigText("some legacy profile blob\nnot ini at all") {
		t.Error("expected non-[Interface] text to not be detected as modern")
	}
	if IsModernConfigText("") {
		t.Error("expected empty text to not be detected as modern")
	}
}

func TestParseModernConfig(t *testing.T) {
	parsed, err := ParseModernConfig(wireSockConfText())
	if err != nil {
		t.Fatalf("ParseModernConfig: %v", err)
	}

	uapi := parsed.UAPIConfig
	if !strings.Contains(uapi, "private_key=") {
		t.Error("private_key missing from UAPI output")
	}
	if !strings.Contains(uapi, "public_key=") {
		t.Error("public_key missing from UAPI output")
	}
	if !strings.Contains(uapi, "jc=3") {
		t.Error("jc=3 missing from UAPI output")
	}
	if !strings.Contains(uapi, "replace_peers=true") {
		t.Error("replace_peers missing from UAPI output")
	}

	pkIdx := strings.Index(uapi, "public_key=")
	epIdx := strings.Index(uapi, "endpoint=")
	if pkIdx < 0 || epIdx < 0 {
		t.Fatalf("missing keys in UAPI output: %q", uapi)
	}
	if epIdx < pkIdx {
		t.Errorf("endpoint (pos %d) appears before public_key (pos %d)", epIdx, pkIdx)
	}

	if len(parsed.LocalAddresses) == 0 {
		t.Error("no local addresses parsed")
	}
	if len(parsed.DNSServers) != 3 {
		t.Errorf("DNS servers = %d, want 3", len(parsed.DNSServers))
	}
	if len(parsed.PeerEndpoints) == 0 {
		t.Error("no peer endpoints parsed")
	}
	if parsed.MTU != 1420 {
		t.Errorf("MTU = %d, want default 1420", parsed.MTU)
	}
}

func TestParseModernConfigExplicitMTU(t *testing.T) {
	conf := `[Interface]
Address = 10.0.0.2/32
PrivateKey = ` + testPrivateKey + `
MTU = 1280

[Peer]
PublicKey = ` + testPublicKey + `
Endpoint = 198.51.100.1:51820
AllowedIPs = 0.0.0.0/0
`
	parsed, err := ParseModernConfig(conf)
	if err != nil {
		t.Fatalf("ParseModernConfig: %v", err)
	}
	if parsed.MTU != 1280 {
		t.Errorf("MTU = %d, want 1280", parsed.MTU)
	}
}
