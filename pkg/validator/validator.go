// Package validator implements the Domain Validator (C8): it decides
// whether a vhost domain is usable for a given instance, either as a label
// under the service base domain or as a verified custom domain. DNS lookups
// are issued directly against the configured upstream resolvers using
// miekg/dns, the same library the cluster's own DNS server is built on.
package validator

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/rs/zerolog"
)

// Validator checks candidate vhost domains against the service-subdomain
// policy or, for custom domains, against an allow-list plus TXT ownership
// verification.
type Validator struct {
	policy    config.DomainPolicy
	cluster   config.Cluster
	exchange_ func(msg *dns.Msg, upstream string) (*dns.Msg, error)
	upstreams []string
	logger    zerolog.Logger
}

// New creates a Validator.
func New(policy config.DomainPolicy, cluster config.Cluster) *Validator {
	client := &dns.Client{Net: "udp"}
	return &Validator{
		policy:  policy,
		cluster: cluster,
		exchange_: func(msg *dns.Msg, upstream string) (*dns.Msg, error) {
			resp, _, err := client.Exchange(msg, upstream)
			return resp, err
		},
		upstreams: policy.UpstreamResolvers,
		logger:    log.WithComponent("validator"),
	}
}

// Validate returns (valid, remarks) for domain as a vhost of instance, per
// §4.8. A domain is valid iff no remark was produced.
func (v *Validator) Validate(inst *types.Instance, domain string) (bool, []string) {
	suffix := "." + v.cluster.ServiceBaseDomain
	var valid bool
	var remarks []string
	if strings.HasSuffix(domain, suffix) {
		valid, remarks = v.validateServiceSubdomain(domain, suffix)
	} else {
		valid, remarks = v.validateCustomDomain(inst, domain)
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	metrics.DomainValidationsTotal.WithLabelValues(result).Inc()
	return valid, remarks
}

func (v *Validator) validateServiceSubdomain(domain, suffix string) (bool, []string) {
	label := strings.TrimSuffix(domain, suffix)
	if label == "" || strings.Contains(label, ".") {
		return false, []string{fmt.Sprintf("%q is not a single-label subdomain of the service base domain", domain)}
	}
	for _, blocked := range v.policy.ServiceSubdomainBlacklist {
		if strings.EqualFold(label, blocked) {
			return false, []string{fmt.Sprintf("subdomain label %q is blacklisted", label)}
		}
	}
	return true, nil
}

func (v *Validator) validateCustomDomain(inst *types.Instance, domain string) (bool, []string) {
	var remarks []string

	addrs, err := v.lookupAddresses(domain)
	if err != nil {
		return false, append(remarks, fmt.Sprintf("could not resolve A/AAAA for %q: %v", domain, err))
	}
	if len(addrs) == 0 {
		return false, append(remarks, fmt.Sprintf("no A/AAAA records for %q", domain))
	}
	for _, ip := range addrs {
		if !v.isAllowed(ip) {
			remarks = append(remarks, fmt.Sprintf("%q resolves to %s, which is not in the allowed address list", domain, ip))
		}
	}
	if len(remarks) > 0 {
		return false, remarks
	}

	base := registrableBase(domain)
	verifyName := v.policy.VerificationLabel + "." + base
	txts, err := v.lookupTXT(verifyName)
	if err != nil {
		return false, append(remarks, fmt.Sprintf("could not resolve TXT at %q: %v", verifyName, err))
	}
	owner := inst.Metadata.Owner
	found := false
	for _, txt := range txts {
		if strings.Contains(txt, owner) {
			found = true
			break
		}
	}
	if !found {
		return false, append(remarks, fmt.Sprintf("no TXT record at %q contains owner %q", verifyName, owner))
	}
	return true, nil
}

func (v *Validator) isAllowed(ip string) bool {
	for _, allowed := range v.policy.AllowedAddresses {
		if allowed == ip {
			return true
		}
	}
	return false
}

func (v *Validator) lookupAddresses(name string) ([]string, error) {
	var out []string
	for _, rtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), rtype)
		resp, err := v.exchange(msg)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				out = append(out, rec.A.String())
			case *dns.AAAA:
				out = append(out, rec.AAAA.String())
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("NXDOMAIN or no usable upstream")
	}
	return out, nil
}

func (v *Validator) lookupTXT(name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	resp, err := v.exchange(msg)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

func (v *Validator) exchange(msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, upstream := range v.upstreams {
		resp, err := v.exchange_(msg, upstream)
		if err != nil {
			lastErr = err
			v.logger.Debug().Err(err).Str("upstream", upstream).Msg("dns lookup failed")
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream resolvers configured")
	}
	return nil, lastErr
}

// registrableBase returns the last two labels of domain, e.g.
// "blog.example.net" -> "example.net".
func registrableBase(domain string) string {
	labels := strings.Split(strings.TrimSuffix(domain, "."), ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
