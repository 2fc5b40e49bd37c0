// Package transport implements the Cluster Transport (C1): a typed REST
// client for the hypervisor API, and a scoped SSH/SFTP shell for running
// commands on a cluster node via a bastion jump host.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/rs/zerolog"
)

// RESTClient is a typed wrapper over the hypervisor's REST API, built the
// way pkg/client wraps the teacher's gRPC stub: a struct holding a
// preconfigured client, one method per logical operation, each call
// carrying its own context.
type RESTClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewRESTClient builds a RESTClient authenticated per cfg: either
// username+password or username+token-name+token-value (§4.1/§6). TLS
// verification is disabled when cfg.TLSSkipVerify is set — the hypervisor
// API is typically reached over a private management network with a
// self-signed certificate.
func NewRESTClient(cfg config.Hypervisor) (*RESTClient, error) {
	c := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}) //nolint:gosec // hypervisor mgmt network, per §6

	switch {
	case cfg.TokenName != "" && cfg.TokenValue != "":
		c.SetHeader("Authorization", fmt.Sprintf("PVEAPIToken=%s!%s=%s", cfg.Username, cfg.TokenName, cfg.TokenValue))
	case cfg.Password != "":
		ticket, csrf, err := authenticate(c, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("authenticate to hypervisor: %w", err)
		}
		c.SetCookie(ticket)
		c.SetHeader("CSRFPreventionToken", csrf.Value)
	default:
		return nil, fmt.Errorf("hypervisor config must set either token_name/token_value or password")
	}

	return &RESTClient{http: c, logger: log.WithComponent("transport")}, nil
}

// NodeResource is a row of /cluster/resources?type=node.
type NodeResource struct {
	Node     string `json:"node"`
	MaxCPU   int    `json:"maxcpu"`
	MaxMem   int64  `json:"maxmem"`
	Mem      int64  `json:"mem"`
	Status   string `json:"status"`
}

// VMResource is a row of /cluster/resources?type=vm (covers both LXC and
// QEMU guests, distinguished by Type).
type VMResource struct {
	ID     int    `json:"vmid"`
	Type   string `json:"type"` // "lxc" or "qemu"
	Name   string `json:"name"`
	Node   string `json:"node"`
	Status string `json:"status"`
}

// ListNodes lists cluster nodes.
func (c *RESTClient) ListNodes(ctx context.Context) ([]NodeResource, error) {
	var out struct {
		Data []NodeResource `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/cluster/resources?type=node")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return out.Data, nil
}

// ListGuests lists every container/VM object cluster-wide.
func (c *RESTClient) ListGuests(ctx context.Context) ([]VMResource, error) {
	var out struct {
		Data []VMResource `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/cluster/resources?type=vm")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}
	return out.Data, nil
}

// StoragePath resolves a storage pool's mount path on the node filesystem
// via the /storage/<id> endpoint (§6). Callers use this instead of
// assuming the Proxmox directory-storage default of /mnt/pve/<pool>, since
// a pool may be backed by any storage type with a different mount point.
func (c *RESTClient) StoragePath(ctx context.Context, storageID string) (string, error) {
	var out struct {
		Data struct {
			Path string `json:"path"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/storage/%s", storageID)
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if err := checkResponse(resp, err); err != nil {
		return "", fmt.Errorf("get storage %s: %w", path, err)
	}
	return out.Data.Path, nil
}

// GuestConfig is the dynamically-shaped config document the hypervisor
// returns for a container or VM. It is intentionally a loose map: per §9,
// config strings like "whatever,size=30G" and absent fields (e.g. "swap"
// on some VM configs) are the norm, not the exception, so callers parse
// defensively via the Str/Int helper methods instead of a fixed struct.
type GuestConfig map[string]interface{}

// Str returns a string field, or "" if absent or not a string.
func (g GuestConfig) Str(key string) string {
	v, _ := g[key].(string)
	return v
}

// HasLock reports whether the config carries a "lock" key — the
// hypervisor's in-progress-mutation marker (§4.1).
func (g GuestConfig) HasLock() bool {
	_, ok := g["lock"]
	return ok
}

// GetConfig fetches the current config for a guest on a node.
func (c *RESTClient) GetConfig(ctx context.Context, node, guestType string, id int) (GuestConfig, error) {
	var out struct {
		Data GuestConfig `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/config", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("get config %s: %w", path, err)
	}
	return out.Data, nil
}

// SetConfig applies a partial config update (PUT .../config).
func (c *RESTClient) SetConfig(ctx context.Context, node, guestType string, id int, fields map[string]string) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d/config", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).SetFormData(fields).Put(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("set config %s: %w", path, err)
	}
	return nil
}

// CreateGuest issues the creation call for a container (guestType="lxc")
// or VM (guestType="qemu").
func (c *RESTClient) CreateGuest(ctx context.Context, node, guestType string, fields map[string]string) error {
	path := fmt.Sprintf("/nodes/%s/%s", node, guestType)
	resp, err := c.http.R().SetContext(ctx).SetFormData(fields).Post(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("create guest %s: %w", path, err)
	}
	return nil
}

// DeleteGuest deletes a guest object.
func (c *RESTClient) DeleteGuest(ctx context.Context, node, guestType string, id int) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).Delete(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("delete guest %s: %w", path, err)
	}
	return nil
}

// Status returns the current status ("running"/"stopped") of a guest.
func (c *RESTClient) Status(ctx context.Context, node, guestType string, id int) (string, error) {
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/current", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if err := checkResponse(resp, err); err != nil {
		return "", fmt.Errorf("status %s: %w", path, err)
	}
	return out.Data.Status, nil
}

// StatusAction issues a start/stop/shutdown against a guest.
func (c *RESTClient) StatusAction(ctx context.Context, node, guestType string, id int, action string) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/%s", node, guestType, id, action)
	resp, err := c.http.R().SetContext(ctx).Post(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("%s %s: %w", action, path, err)
	}
	return nil
}

// ResizeDisk resizes a VM/container disk to the given size (e.g. "20G").
func (c *RESTClient) ResizeDisk(ctx context.Context, node, guestType string, id int, disk, size string) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d/resize", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).SetFormData(map[string]string{
		"disk": disk,
		"size": size,
	}).Put(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("resize %s: %w", path, err)
	}
	return nil
}

// SetFirewallOptions toggles the per-guest firewall (mac/ip filtering).
func (c *RESTClient) SetFirewallOptions(ctx context.Context, node, guestType string, id int, fields map[string]string) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d/firewall/options", node, guestType, id)
	resp, err := c.http.R().SetContext(ctx).SetFormData(fields).Put(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("set firewall options %s: %w", path, err)
	}
	return nil
}

// ReplaceIPSet replaces the contents of a named ipset with the given CIDRs.
func (c *RESTClient) ReplaceIPSet(ctx context.Context, node, guestType string, id int, name string, cidrs []string) error {
	base := fmt.Sprintf("/nodes/%s/%s/%d/firewall/ipset", node, guestType, id)
	// Best-effort delete; the set may not exist yet.
	_, _ = c.http.R().SetContext(ctx).Delete(base + "/" + name)
	resp, err := c.http.R().SetContext(ctx).SetFormData(map[string]string{"name": name}).Post(base)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("create ipset %s: %w", name, err)
	}
	for _, cidrStr := range cidrs {
		resp, err := c.http.R().SetContext(ctx).SetFormData(map[string]string{"cidr": cidrStr}).Post(base + "/" + name)
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("add %s to ipset %s: %w", cidrStr, name, err)
		}
	}
	return nil
}

// AgentPing pings the QEMU guest agent.
func (c *RESTClient) AgentPing(ctx context.Context, node string, id int) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent/ping", node, id)
	resp, err := c.http.R().SetContext(ctx).Post(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("agent ping: %w", err)
	}
	return nil
}

// AgentSetUserPassword sets a guest account's password via the agent,
// crypted=1 meaning value is already a crypt(3) hash.
func (c *RESTClient) AgentSetUserPassword(ctx context.Context, node string, id int, username, value string, crypted bool) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent/set-user-password", node, id)
	fields := map[string]string{"username": username, "password": value}
	if crypted {
		fields["crypted"] = "1"
	}
	resp, err := c.http.R().SetContext(ctx).SetFormData(fields).Post(path)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("agent set-user-password: %w", err)
	}
	return nil
}

// AgentFileWrite writes a file inside a VM guest via the agent.
func (c *RESTClient) AgentFileWrite(ctx context.Context, node string, id int, path string, content []byte) error {
	apiPath := fmt.Sprintf("/nodes/%s/qemu/%d/agent/file-write", node, id)
	resp, err := c.http.R().SetContext(ctx).SetFormData(map[string]string{
		"file":    path,
		"content": string(content),
	}).Post(apiPath)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("agent file-write %s: %w", path, err)
	}
	return nil
}

// AgentExec runs a command inside a VM guest via the agent.
func (c *RESTClient) AgentExec(ctx context.Context, node string, id int, command []string) error {
	apiPath := fmt.Sprintf("/nodes/%s/qemu/%d/agent/exec", node, id)
	resp, err := c.http.R().SetContext(ctx).SetFormData(map[string]string{
		"command": fmt.Sprintf("%v", command),
	}).Post(apiPath)
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("agent exec: %w", err)
	}
	return nil
}

func authenticate(c *resty.Client, username, password string) (*http.Cookie, *http.Cookie, error) {
	var out struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	resp, err := c.R().SetResult(&out).SetFormData(map[string]string{
		"username": username,
		"password": password,
	}).Post("/access/ticket")
	if err := checkResponse(resp, err); err != nil {
		return nil, nil, err
	}
	return &http.Cookie{Name: "PVEAuthCookie", Value: out.Data.Ticket},
		&http.Cookie{Name: "CSRFPreventionToken", Value: out.Data.CSRFPreventionToken},
		nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp != nil && resp.IsError() {
		return fmt.Errorf("hypervisor API error: %s: %s", resp.Status(), resp.String())
	}
	return nil
}
