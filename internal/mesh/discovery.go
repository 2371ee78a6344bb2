package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

// DiscoveryConfig configures both discovery methods the mesh runs
// concurrently. Either may be left zero-valued to disable it.
type DiscoveryConfig struct {
	MulticastAddr string        // e.g. "239.192.7.9:7946"; empty disables multicast
	Interval      time.Duration // announce/query cadence, default 10s

	DNSDomain string // e.g. "jarvis.local"; empty disables DNS discovery
	DNSServer string // resolver to query, default "127.0.0.1:53"
}

type discoveryAnnouncement struct {
	ID           string   `json:"id"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
	Fingerprint  string   `json:"fingerprint"`
}

func (cfg DiscoveryConfig) withDefaults() DiscoveryConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DNSServer == "" {
		cfg.DNSServer = "127.0.0.1:53"
	}
	return cfg
}

// runDiscovery launches whichever discovery methods are configured and
// blocks until ctx is cancelled.
func (m *Mesh) runDiscovery(ctx context.Context, cfg DiscoveryConfig) {
	cfg = cfg.withDefaults()

	var active int
	if cfg.MulticastAddr != "" {
		active++
		go func() {
			if err := m.runMulticastDiscovery(ctx, cfg); err != nil && ctx.Err() == nil {
				m.logger.Warn("multicast discovery stopped", "error", err)
			}
		}()
	}
	if cfg.DNSDomain != "" {
		active++
		go m.runDNSDiscovery(ctx, cfg)
	}
	if active == 0 {
		m.logger.Info("no discovery methods configured")
	}
}

func (m *Mesh) runMulticastDiscovery(ctx context.Context, cfg DiscoveryConfig) error {
	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastAddr)
	if err != nil {
		return fmt.Errorf("resolve multicast addr: %w", err)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return fmt.Errorf("listen multicast: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	ifaces, _ := net.Interfaces()
	joined := false
	for _, iface := range ifaces {
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group.IP}); err == nil {
			joined = true
		}
	}
	if !joined {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			return fmt.Errorf("join multicast group: %w", err)
		}
	}
	_ = pc.SetMulticastLoopback(true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go m.announceLoop(ctx, conn, group, cfg.Interval)

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read multicast: %w", err)
		}
		var ann discoveryAnnouncement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.ID == "" || ann.ID == m.self.ID {
			continue
		}
		m.AddDiscoveredPeer(PeerRecord{
			ID:           ann.ID,
			Fingerprint:  ann.Fingerprint,
			Endpoint:     ann.Endpoint,
			Capabilities: ann.Capabilities,
			TrustLevel:   TrustPending,
			LastSeen:     time.Now(),
		})
	}
}

func (m *Mesh) announceLoop(ctx context.Context, conn net.PacketConn, group *net.UDPAddr, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload, err := json.Marshal(discoveryAnnouncement{
		ID:           m.self.ID,
		Endpoint:     m.self.Endpoint,
		Capabilities: m.self.Capabilities,
		Fingerprint:  Fingerprint(m.publicKey()),
	})
	if err != nil {
		m.logger.Warn("encode announcement", "error", err)
		return
	}

	send := func() {
		if _, err := conn.WriteTo(payload, group); err != nil && ctx.Err() == nil {
			m.logger.Warn("send multicast announcement", "error", err)
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// runDNSDiscovery periodically queries SRV records under
// "_jarvis._tcp.<domain>" for peer endpoints and a same-named TXT record
// for a fingerprint, feeding results into the mesh's known-peer set.
func (m *Mesh) runDNSDiscovery(ctx context.Context, cfg DiscoveryConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	query := func() {
		client := new(dns.Client)
		srvName := fmt.Sprintf("_jarvis._tcp.%s.", strings.TrimSuffix(cfg.DNSDomain, "."))

		msg := new(dns.Msg)
		msg.SetQuestion(srvName, dns.TypeSRV)
		resp, _, err := client.ExchangeContext(ctx, msg, cfg.DNSServer)
		if err != nil {
			m.logger.Debug("dns discovery query failed", "error", err)
			return
		}

		for _, rr := range resp.Answer {
			srv, ok := rr.(*dns.SRV)
			if !ok {
				continue
			}
			endpoint := fmt.Sprintf("%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port)
			peerID := strings.TrimSuffix(strings.TrimSuffix(srv.Target, "."), "."+strings.TrimSuffix(cfg.DNSDomain, "."))
			if peerID == "" || peerID == m.self.ID {
				continue
			}

			txtMsg := new(dns.Msg)
			txtMsg.SetQuestion(srv.Target, dns.TypeTXT)
			fingerprint := ""
			if txtResp, _, err := client.ExchangeContext(ctx, txtMsg, cfg.DNSServer); err == nil {
				for _, txtRR := range txtResp.Answer {
					if txt, ok := txtRR.(*dns.TXT); ok && len(txt.Txt) > 0 {
						fingerprint = txt.Txt[0]
					}
				}
			}

			m.AddDiscoveredPeer(PeerRecord{
				ID:          peerID,
				Fingerprint: fingerprint,
				Endpoint:    endpoint,
				TrustLevel:  TrustPending,
				LastSeen:    time.Now(),
			})
		}
	}

	query()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			query()
		}
	}
}
