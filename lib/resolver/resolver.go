package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/miekg/dns"
)

var Logger = logger.GetLogger("resolver")

// --------------------------------------------------------------------------
// System Resolver
// --------------------------------------------------------------------------

// systemResolver implements IHostResolver with the platform resolver
type systemResolver struct {
	resolver *net.Resolver
}

// NewSystemResolver creates a resolver backed by net.DefaultResolver
func NewSystemResolver() IHostResolver {
	return &systemResolver{resolver: net.DefaultResolver}
}

func (r *systemResolver) GetName() string {
	return "system"
}

func (r *systemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip, ok := literalIP(host); ok {
		return ip, nil
	}

	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return sortIPv4First(ips), nil
}

func (r *systemResolver) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// DNS Resolver
// --------------------------------------------------------------------------

// dnsResolver implements IHostResolver by querying one nameserver directly
type dnsResolver struct {
	nameserver string
	client     *dns.Client
}

// NewDNSResolver creates a resolver that sends A and AAAA queries over UDP to nameserver (host:port)
func NewDNSResolver(nameserver string, timeout time.Duration) IHostResolver {
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}
	return &dnsResolver{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (r *dnsResolver) GetName() string {
	return "dns(" + r.nameserver + ")"
}

func (r *dnsResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip, ok := literalIP(host); ok {
		return ip, nil
	}

	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			Logger.Debugf("Query %s for %s failed: %v", dns.TypeToString[qtype], host, err)
			continue
		}
		ips = append(ips, answers...)
	}

	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses")
		}
		return nil, fmt.Errorf("failed to resolve %s via %s: %w", host, r.nameserver, lastErr)
	}
	return ips, nil
}

// query sends a single question and collects the matching records
func (r *dnsResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("nameserver answered %s", dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			ips = append(ips, record.A)
		case *dns.AAAA:
			ips = append(ips, record.AAAA)
		}
	}
	return ips, nil
}

func (r *dnsResolver) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// literalIP short-circuits resolution for IP literals (with or without brackets)
func literalIP(host string) ([]net.IP, bool) {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return nil, false
	}
	return []net.IP{ip}, true
}

// sortIPv4First orders IPv4 addresses before IPv6 addresses, keeping the relative order otherwise
func sortIPv4First(ips []net.IP) []net.IP {
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() != nil && ips[j].To4() == nil
	})
	return ips
}
