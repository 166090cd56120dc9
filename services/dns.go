package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// Resolver is the DNS surface the crawler check needs. A name that does not
// exist yields an empty slice and no error; errors mean the lookup itself
// could not be completed.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var ErrDNSServerFailure = errors.New("dns server failure")

const DNS_SVC = "dns_svc"

const defaultDNSServer = "8.8.8.8:53"

type DNSResolver struct {
	appContext.DefaultService

	server string
	client *dns.Client
}

func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (svc DNSResolver) Id() string {
	return DNS_SVC
}

func (svc *DNSResolver) Configure(ctx *appContext.Context) error {
	server := strings.TrimSpace(os.Getenv("DNS_SERVER"))
	if server == "" {
		server = SystemDNSServer()
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	svc.server = server
	svc.client = &dns.Client{Net: "udp", Timeout: 3 * time.Second}

	log.WithField("server", server).Info("DNS resolver configured")
	return svc.DefaultService.Configure(ctx)
}

func (svc *DNSResolver) Start() error {
	return nil
}

func SystemDNSServer() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return defaultDNSServer
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// LookupAddr returns the PTR names for ip without the trailing dot.
func (svc *DNSResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	name, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, err
	}

	answers, err := svc.query(ctx, name, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, rr := range answers {
		if ptr, ok := rr.(*dns.PTR); ok {
			hosts = append(hosts, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return hosts, nil
}

// LookupHost returns the A and AAAA addresses of host.
func (svc *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	fqdn := dns.Fqdn(host)

	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := svc.query(ctx, fqdn, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range answers {
			switch record := rr.(type) {
			case *dns.A:
				addrs = append(addrs, record.A.String())
			case *dns.AAAA:
				addrs = append(addrs, record.AAAA.String())
			}
		}
	}
	return addrs, nil
}

func (svc *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	resp, _, err := svc.client.ExchangeContext(ctx, m, svc.server)
	if err != nil {
		return nil, fmt.Errorf("dns query %s %s: %w", dns.TypeToString[qtype], name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s %s rcode %s", ErrDNSServerFailure, dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
}
