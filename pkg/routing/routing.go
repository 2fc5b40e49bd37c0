// Package routing implements the Routing Config Builder (C9): it folds a
// cluster-wide instance snapshot into a Traefik-shaped document of HTTP,
// TCP and UDP routers/services, serialized with gopkg.in/yaml.v3 the same
// way the engine's other YAML documents are, for an external reverse proxy
// to consume.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/netsoc/instanced/pkg/allocator"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/types"
	"gopkg.in/yaml.v3"
)

// Router is one entry of http.routers / tcp.routers / udp.routers.
type Router struct {
	Rule        string `yaml:"rule"`
	Service     string `yaml:"service"`
	EntryPoints []string `yaml:"entryPoints,omitempty"`
	TLS         *TLS   `yaml:"tls,omitempty"`
}

// TLS names the cert resolver an HTTP router uses.
type TLS struct {
	CertResolver string `yaml:"certResolver"`
}

// Service is one entry of http.services / tcp.services / udp.services: a
// single load-balancer pointing at one upstream.
type Service struct {
	LoadBalancer LoadBalancer `yaml:"loadBalancer"`
}

// LoadBalancer holds the upstream server list for a Service.
type LoadBalancer struct {
	Servers []Server `yaml:"servers"`
}

// Server is one upstream address.
type Server struct {
	URL     string `yaml:"url,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// HTTPSection is the http.{routers,services} document fragment.
type HTTPSection struct {
	Routers  map[string]Router  `yaml:"routers,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
}

// TCPSection is the tcp.{routers,services} document fragment.
type TCPSection struct {
	Routers  map[string]Router  `yaml:"routers,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
}

// UDPSection is the udp.{routers,services} document fragment.
type UDPSection struct {
	Routers  map[string]Router  `yaml:"routers,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
}

// Document is the full routing configuration emitted to the reverse proxy.
// A section is omitted from the marshaled YAML entirely when empty, since
// the consumer rejects empty keys (§4.9).
type Document struct {
	HTTP *HTTPSection `yaml:"http,omitempty"`
	TCP  *TCPSection  `yaml:"tcp,omitempty"`
	UDP  *UDPSection  `yaml:"udp,omitempty"`
}

// Validator classifies a (instance, domain) pair as a routable vhost.
type Validator interface {
	Validate(inst *types.Instance, domain string) (bool, []string)
}

// Build folds instances into a Document per §4.9. Instances with no decoded
// metadata have already been filtered out by the caller (a malformed
// instance contributes nothing to routing). The tcp/udp sections are built
// from the resolved global port map (one pair per entry, §4.9), not from
// instances' raw port metadata, so a conflicting or out-of-range port never
// reaches the document.
func Build(instances []*types.Instance, validate Validator, ports config.Ports, cluster config.Cluster) (Document, []string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RoutingConfigBuildDuration)

	var remarks []string

	httpRouters := map[string]Router{}
	httpServices := map[string]Service{}
	tcpRouters := map[string]Router{}
	tcpServices := map[string]Service{}
	udpRouters := map[string]Router{}
	udpServices := map[string]Service{}

	sorted := make([]*types.Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FQDN < sorted[j].FQDN })

	serviceSuffix := "." + cluster.ServiceBaseDomain

	for _, inst := range sorted {
		ip := inst.Metadata.Network.NICAllocation.PrimaryIP()
		if ip == "" {
			continue
		}

		vhostNames := make([]string, 0, len(inst.Metadata.Network.VHosts))
		for v := range inst.Metadata.Network.VHosts {
			vhostNames = append(vhostNames, v)
		}
		sort.Strings(vhostNames)

		for _, vhost := range vhostNames {
			opts := inst.Metadata.Network.VHosts[vhost]
			valid, vremarks := validate.Validate(inst, vhost)
			remarks = append(remarks, vremarks...)
			if !valid {
				continue
			}

			key := fmt.Sprintf("%s-%s", dashed(inst.FQDN), dashed(vhost))
			resolver := cluster.TLSResolverUser
			if strings.HasSuffix(vhost, serviceSuffix) {
				resolver = cluster.TLSResolverService
			}

			scheme := "http"
			if opts.HTTPS {
				scheme = "https"
			}

			httpRouters[key] = Router{
				Rule:    fmt.Sprintf("Host(`%s`)", vhost),
				Service: key,
				TLS:     &TLS{CertResolver: resolver},
			}
			httpServices[key] = Service{LoadBalancer: LoadBalancer{Servers: []Server{
				{URL: fmt.Sprintf("%s://%s:%d", scheme, ip, opts.Port)},
			}}}
		}
	}

	portMap, portRemarks := allocator.NewPortRange(ports.RangeStart, ports.RangeEnd).PortMap(sorted)
	remarks = append(remarks, portRemarks...)

	extPorts := make([]int, 0, len(portMap))
	for ext := range portMap {
		extPorts = append(extPorts, ext)
	}
	sort.Ints(extPorts)

	for _, ext := range extPorts {
		entry := portMap[ext]

		tcpKey := fmt.Sprintf("%s-%d-tcp", dashed(entry.FQDN), ext)
		tcpRouters[tcpKey] = Router{
			Rule:        "HostSNI(`*`)",
			Service:     tcpKey,
			EntryPoints: []string{fmt.Sprintf("netsoc-cloud-%d-tcp", ext)},
		}
		tcpServices[tcpKey] = Service{LoadBalancer: LoadBalancer{Servers: []Server{
			{Address: fmt.Sprintf("%s:%d", entry.PrimaryIP, entry.Internal)},
		}}}

		udpKey := fmt.Sprintf("%s-%d-udp", dashed(entry.FQDN), ext)
		udpRouters[udpKey] = Router{
			Service:     udpKey,
			EntryPoints: []string{fmt.Sprintf("netsoc-cloud-%d-udp", ext)},
		}
		udpServices[udpKey] = Service{LoadBalancer: LoadBalancer{Servers: []Server{
			{Address: fmt.Sprintf("%s:%d", entry.PrimaryIP, entry.Internal)},
		}}}
	}

	var doc Document
	if len(httpRouters) > 0 {
		doc.HTTP = &HTTPSection{Routers: httpRouters, Services: httpServices}
	}
	if len(tcpRouters) > 0 {
		doc.TCP = &TCPSection{Routers: tcpRouters, Services: tcpServices}
	}
	if len(udpRouters) > 0 {
		doc.UDP = &UDPSection{Routers: udpRouters, Services: udpServices}
	}

	metrics.RoutingConfigRoutersTotal.WithLabelValues("http").Set(float64(len(httpRouters)))
	metrics.RoutingConfigRoutersTotal.WithLabelValues("tcp").Set(float64(len(tcpRouters)))
	metrics.RoutingConfigRoutersTotal.WithLabelValues("udp").Set(float64(len(udpRouters)))

	return doc, remarks
}

// Marshal renders doc as YAML.
func Marshal(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

func dashed(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}
