package onvifdisco

import (
	"encoding/xml"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/lightnvr/core/internal/config"
)

const multicastAddr = "239.255.255.250:3702"

// Device is one discovered ONVIF endpoint.
type Device struct {
	XAddr string // e.g. http://192.168.1.50:80/onvif/device_service
	Name  string
	IP    string
}

// wsdProbeEnvelope mirrors SridarDhandapani's Envelope/Body/ProbeMatches
// structs, loosened to tolerate the d:/wsa: namespace prefixes different
// vendors emit (encoding/xml matches on local name, so a single struct set
// decodes all of them without per-vendor branches).
type wsdProbeEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ProbeMatches struct {
			ProbeMatch []struct {
				EndpointRef struct {
					Address string `xml:"Address"`
				} `xml:"EndpointReference"`
				Types  string `xml:"Types"`
				Scopes string `xml:"Scopes"`
				XAddrs string `xml:"XAddrs"`
			} `xml:"ProbeMatch"`
		} `xml:"ProbeMatches"`
	} `xml:"Body"`
}

// Discoverer runs the WS-Discovery probe/collect cycle described in
// spec.md §4.6.
type Discoverer struct {
	defaults config.Defaults
	log      zerolog.Logger
}

func New(log zerolog.Logger, defaults config.Defaults) *Discoverer {
	return &Discoverer{defaults: defaults, log: log.With().Str("component", "onvifdisco").Logger()}
}

// Discover runs up to DiscoveryMaxRounds probe/collect rounds within
// DiscoveryTotalWindow, sends unicast probes to any explicit candidates
// plus one multicast probe per round, and falls back to an HTTP
// GetSystemDateAndTime check against well-known paths for any candidate
// that has port 80 open but never answered a Probe.
func (d *Discoverer) Discover(candidates []string) ([]Device, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("onvifdisco: listen udp: %w", err)
	}
	defer conn.Close()

	if err := joinMulticastGroup(conn); err != nil {
		d.log.Debug().Err(err).Msg("multicast group join failed, unicast probing still proceeds")
	}

	dst, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("onvifdisco: resolve multicast addr: %w", err)
	}

	deadline := time.Now().Add(d.defaults.DiscoveryTotalWindow)
	found := map[string]Device{}

	for round := 0; round < d.defaults.DiscoveryMaxRounds && time.Now().Before(deadline); round++ {
		probe := buildProbe()
		if _, err := conn.WriteToUDP(probe, dst); err != nil {
			d.log.Debug().Err(err).Msg("multicast probe send failed")
		}
		for _, c := range candidates {
			if addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c, "3702")); err == nil {
				_, _ = conn.WriteToUDP(buildProbe(), addr)
			}
		}

		roundEnd := time.Now().Add(d.defaults.DiscoveryProbeTimeout)
		if roundEnd.After(deadline) {
			roundEnd = deadline
		}
		collectProbeMatches(conn, roundEnd, found, d.log)
	}

	d.httpFallback(candidates, found)

	devices := make([]Device, 0, len(found))
	for _, dev := range found {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IP < devices[j].IP })
	return devices, nil
}

func collectProbeMatches(conn *net.UDPConn, until time.Time, found map[string]Device, log zerolog.Logger) {
	buf := make([]byte, 65536)
	for {
		remaining := time.Until(until)
		if remaining <= 0 {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // timeout or closed; either ends this round
		}
		var env wsdProbeEnvelope
		if err := xml.Unmarshal(buf[:n], &env); err != nil {
			log.Debug().Err(err).Str("src", src.String()).Msg("unparseable probe response")
			continue
		}
		for _, m := range env.Body.ProbeMatches.ProbeMatch {
			xaddr := firstXAddr(m.XAddrs)
			if xaddr == "" {
				continue
			}
			ip := hostOf(xaddr, src.IP.String())
			found[ip] = Device{XAddr: xaddr, Name: scopeName(m.Scopes), IP: ip}
		}
	}
}

// firstXAddr takes the first (space-separated, per the spec) address out
// of a ProbeMatch's XAddrs field.
func firstXAddr(xaddrs string) string {
	fields := strings.Fields(xaddrs)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func hostOf(xaddr, fallback string) string {
	h := xaddr
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimPrefix(h, "https://")
	if i := strings.IndexAny(h, "/:"); i >= 0 {
		h = h[:i]
	}
	if h == "" {
		return fallback
	}
	return h
}

// scopeName pulls the onvif://www.onvif.org/name/ scope the way
// SridarDhandapani's parseScopes does, tolerating its absence.
func scopeName(scopes string) string {
	for _, s := range strings.Fields(scopes) {
		if strings.Contains(s, "onvif://www.onvif.org/name/") {
			name := strings.TrimPrefix(s, "onvif://www.onvif.org/name/")
			return strings.ReplaceAll(name, "_", " ")
		}
	}
	return ""
}

// joinMulticastGroup wraps conn in an ipv4.PacketConn and joins the
// WS-Discovery group on every up, multicast-capable interface, grounded on
// ManuGH-xg2g's StartSSDPAnnouncer (internal/hdhr/hdhr.go).
func joinMulticastGroup(conn *net.UDPConn) error {
	p := ipv4.NewPacketConn(conn)
	_ = p.SetMulticastTTL(2)

	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	groupIP := net.IPv4(239, 255, 255, 250)
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(&iface, &net.UDPAddr{IP: groupIP}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return fmt.Errorf("onvifdisco: joined multicast group on no interface")
	}
	return nil
}

// httpFallback confirms any candidate IP that never produced a ProbeMatch
// but has port 80 open, via GetSystemDateAndTime against each well-known
// device service path.
func (d *Discoverer) httpFallback(candidates []string, found map[string]Device) {
	client := newSoapClient(2 * time.Second)
	for _, c := range candidates {
		if _, ok := found[c]; ok {
			continue
		}
		if !tcpOpen(c, 80, d.defaults.DiscoveryProbeTimeout) {
			continue
		}
		for _, path := range wellKnownDevicePaths {
			endpoint := fmt.Sprintf("http://%s%s", c, path)
			if err := client.getSystemDateAndTime(endpoint); err == nil {
				found[c] = Device{XAddr: endpoint, IP: c}
				break
			}
		}
	}
}

// tcpOpen probes one host:port with a short dial timeout, used both to
// build the WS-Discovery candidate set (§4.6 step 1) and to gate the HTTP
// fallback above.
func tcpOpen(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// LocalSubnetCandidates lists plausible device IPs on every local /24-ish
// IPv4 network the host has an interface on, probing ports 3702 and 80 for
// each, per spec.md §4.6 step 1's auto-detect path.
func LocalSubnetCandidates(probeTimeout time.Duration) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var candidates []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		if bits != 32 || ones < 22 { // refuse to sweep networks bigger than a /22
			continue
		}
		for _, host := range hostsInSubnet(ipnet) {
			if tcpOpen(host, 3702, probeTimeout) || tcpOpen(host, 80, probeTimeout) {
				candidates = append(candidates, host)
			}
		}
	}
	return candidates
}

func hostsInSubnet(ipnet *net.IPNet) []string {
	var hosts []string
	base := ipnet.IP.Mask(ipnet.Mask).To4()
	ones, bits := ipnet.Mask.Size()
	count := 1 << uint(bits-ones)
	if count > 1024 { // bounded sweep; refuses anything broader than a /22
		count = 1024
	}
	for i := 1; i < count-1; i++ {
		ip := make(net.IP, 4)
		copy(ip, base)
		addInt(ip, i)
		hosts = append(hosts, ip.String())
	}
	return hosts
}

func addInt(ip net.IP, n int) {
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	v += uint32(n)
	ip[0] = byte(v >> 24)
	ip[1] = byte(v >> 16)
	ip[2] = byte(v >> 8)
	ip[3] = byte(v)
}
