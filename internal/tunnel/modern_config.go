package tunnel

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// ModernParsedConfig holds the result of parsing a WireGuard-family .conf
// text. AmneziaWG is a superset of WireGuard: without its obfuscation
// parameters it behaves as standard WireGuard, so one parser serves both.
type ModernParsedConfig struct {
	// LocalAddresses are the IPs from the Interface Address field.
	LocalAddresses []netip.Addr
	// DNSServers are the IPs from the Interface DNS field.
	DNSServers []netip.Addr
	// MTU from the Interface section, default 1420.
	MTU int
	// UAPIConfig is the UAPI-formatted string ready for device.IpcSet().
	UAPIConfig string
	// PeerEndpoints are the server endpoints from [Peer] sections.
	PeerEndpoints []netip.AddrPort
}

// IsModernConfigText reports whether raw looks like a WireGuard-family
// config: the protocol-detection rule is exactly "starts with an
// [Interface] section header", with no other heuristic permitted.
func IsModernConfigText(raw string) bool {
	line, _, _ := strings.Cut(strings.TrimLeft(raw, " \t\r\n"), "\n")
	return strings.TrimSpace(line) == "[Interface]"
}

// ParseModernConfig parses WireGuard-family config text into a ModernParsedConfig.
// AmneziaWG obfuscation fields (Jc, Jmin, Jmax, S1-S4, H1-H4) are silently ignored.
func ParseModernConfig(raw string) (*ModernParsedConfig, error) {
	result := &ModernParsedConfig{MTU: 1420}
	var uapi strings.Builder
	section := ""
	peerSeen := false

	// Each peer's lines are buffered so public_key, which opens a peer in
	// UAPI, is emitted first regardless of its position in the section.
	var peer strings.Builder
	flushPeer := func() {
		lines := strings.SplitAfter(peer.String(), "\n")
		for i, l := range lines {
			if strings.HasPrefix(l, "public_key=") {
				uapi.WriteString(l)
				lines = append(lines[:i], lines[i+1:]...)
				break
			}
		}
		uapi.WriteString(strings.Join(lines, ""))
		peer.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			flushPeer()
			section = strings.ToLower(strings.Trim(line, "[] "))
			if section == "peer" && !peerSeen {
				peerSeen = true
				fmt.Fprint(&uapi, "replace_peers=true\n")
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case "interface":
			if err := parseModernInterfaceKey(key, value, result, &uapi); err != nil {
				return nil, fmt.Errorf("[Interface] %s: %w", key, err)
			}
		case "peer":
			if err := parseModernPeerKey(key, value, result, &peer); err != nil {
				return nil, fmt.Errorf("[Peer] %s: %w", key, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	flushPeer()

	result.UAPIConfig = uapi.String()
	return result, nil
}

func parseModernInterfaceKey(key, value string, cfg *ModernParsedConfig, uapi *strings.Builder) error {
	switch strings.ToLower(key) {
	case "privatekey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "private_key=%s\n", h)
	case "listenport":
		fmt.Fprintf(uapi, "listen_port=%s\n", value)
	case "address":
		for _, s := range splitCSV(value) {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				ip, err2 := netip.ParseAddr(s)
				if err2 != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				cfg.LocalAddresses = append(cfg.LocalAddresses, ip)
				continue
			}
			cfg.LocalAddresses = append(cfg.LocalAddresses, prefix.Addr())
		}
	case "dns":
		for _, s := range splitCSV(value) {
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("invalid DNS %q", s)
			}
			cfg.DNSServers = append(cfg.DNSServers, ip)
		}
	case "mtu":
		var mtu int
		if _, err := fmt.Sscanf(value, "%d", &mtu); err != nil {
			return fmt.Errorf("invalid MTU %q", value)
		}
		cfg.MTU = mtu
	case "jc", "jmin", "jmax", "s1", "s2", "s3", "s4", "h1", "h2", "h3", "h4":
		// AmneziaWG obfuscation fields, silently ignored for standard WireGuard.
	}
	return nil
}

func parseModernPeerKey(key, value string, cfg *ModernParsedConfig, uapi *strings.Builder) error {
	switch strings.ToLower(key) {
	case "publickey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "public_key=%s\n", h)
	case "presharedkey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		fmt.Fprintf(uapi, "preshared_key=%s\n", h)
	case "endpoint":
		fmt.Fprintf(uapi, "endpoint=%s\n", value)
		if ap, err := netip.ParseAddrPort(value); err == nil {
			cfg.PeerEndpoints = append(cfg.PeerEndpoints, ap)
		}
	case "allowedips":
		for _, cidr := range splitCSV(value) {
			fmt.Fprintf(uapi, "allowed_ip=%s\n", cidr)
		}
	case "persistentkeepalive":
		fmt.Fprintf(uapi, "persistent_keepalive_interval=%s\n", value)
	}
	return nil
}

func base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
