// Package hcloud implements cloud.Connector on the Hetzner Cloud API.
//
// Hetzner has no native notion of reservations, key pairs that carry private
// material, or volume snapshots, so the connector maps them:
//   - instances are servers; the reservation id is a label set at creation
//   - key pairs are SSH keys generated locally and uploaded
//   - security groups are firewalls
//   - a volume snapshot is a snapshot image of the server the volume is
//     attached to
package hcloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/keygen"
	"github.com/cuemby/cumulus/pkg/types"
)

const (
	labelReservation = "cumulus/reservation"
	labelKeyName     = "cumulus/key-name"
	labelVolume      = "cumulus/volume"
)

// Connector talks to one Hetzner Cloud project
type Connector struct {
	client *hcloud.Client
}

// New wraps an existing hcloud client
func New(client *hcloud.Client) *Connector {
	return &Connector{client: client}
}

// Dial builds a session for creds. Retries inside hcloud-go are disabled.
func Dial(ctx context.Context, creds *types.Credentials) (cloud.Connector, error) {
	if creds.Token == "" {
		return nil, &cloud.ConnectionError{Provider: string(types.ProviderHCloud), Err: errors.New("missing API token")}
	}

	opts := []hcloud.ClientOption{
		hcloud.WithToken(creds.Token),
		hcloud.WithApplication("cumulus", ""),
		hcloud.WithRetryOpts(hcloud.RetryOpts{MaxRetries: 0}),
	}
	if creds.Provider.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(creds.Provider.Endpoint))
	}
	return New(hcloud.NewClient(opts...)), nil
}

// translate maps an hcloud-go error onto the cloud error taxonomy
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		return &cloud.APIError{Op: op, Code: string(hcloudErr.Code), Message: hcloudErr.Message, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &cloud.ConnectionError{Provider: string(types.ProviderHCloud), Err: err}
	}

	return &cloud.UnexpectedError{Op: op, Err: err}
}

func notFound(op, kind, id string) error {
	return &cloud.APIError{Op: op, Code: string(hcloud.ErrorCodeNotFound), Message: fmt.Sprintf("%s %s not found", kind, id)}
}

func parseID(kind, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, cloud.Validationf("invalid %s id: %s", kind, id)
	}
	return n, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// CreateVolume creates a volume of size GiB in location zone
func (c *Connector) CreateVolume(ctx context.Context, size int, zone string) (*cloud.Volume, error) {
	result, _, err := c.client.Volume.Create(ctx, hcloud.VolumeCreateOpts{
		Name:     "cumulus-" + uuid.New().String()[:13],
		Size:     size,
		Location: &hcloud.Location{Name: zone},
		Format:   hcloud.Ptr("ext4"),
	})
	if err != nil {
		return nil, translate("CreateVolume", err)
	}
	if result.Volume == nil {
		return nil, cloud.Inconsistent("CreateVolume", "no volume returned")
	}
	return toVolume(result.Volume), nil
}

func toVolume(v *hcloud.Volume) *cloud.Volume {
	vol := &cloud.Volume{
		ID:     formatID(v.ID),
		Size:   v.Size,
		Status: string(v.Status),
		Device: v.LinuxDevice,
	}
	if v.Location != nil {
		vol.Zone = v.Location.Name
	}
	if v.Server != nil {
		vol.Status = string(types.VolumeStatusInUse)
		vol.InstanceID = formatID(v.Server.ID)
	}
	return vol
}

// ListVolumes fetches each volume by id
func (c *Connector) ListVolumes(ctx context.Context, ids ...string) ([]*cloud.Volume, error) {
	volumes := make([]*cloud.Volume, 0, len(ids))
	for _, id := range ids {
		n, err := parseID("volume", id)
		if err != nil {
			return nil, err
		}
		v, _, err := c.client.Volume.GetByID(ctx, n)
		if err != nil {
			return nil, translate("GetVolume", err)
		}
		if v == nil {
			return nil, notFound("GetVolume", "volume", id)
		}
		volumes = append(volumes, toVolume(v))
	}
	return volumes, nil
}

// DeleteVolume deletes one volume
func (c *Connector) DeleteVolume(ctx context.Context, id string) error {
	n, err := parseID("volume", id)
	if err != nil {
		return err
	}
	_, err = c.client.Volume.Delete(ctx, &hcloud.Volume{ID: n})
	return translate("DeleteVolume", err)
}

// instanceState maps a server status onto EC2-style instance states
func instanceState(status hcloud.ServerStatus) string {
	switch status {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		return string(types.InstanceStatePending)
	case hcloud.ServerStatusRunning:
		return string(types.InstanceStateRunning)
	case hcloud.ServerStatusStopping:
		return string(types.InstanceStateStopping)
	case hcloud.ServerStatusOff:
		return string(types.InstanceStateStopped)
	case hcloud.ServerStatusDeleting:
		return string(types.InstanceStateShuttingDown)
	default:
		return string(status)
	}
}

func toInstance(s *hcloud.Server) *cloud.Instance {
	created := s.Created
	inst := &cloud.Instance{
		ID:            formatID(s.ID),
		ReservationID: s.Labels[labelReservation],
		KeyName:       s.Labels[labelKeyName],
		State:         instanceState(s.Status),
		LaunchTime:    &created,
	}
	if s.ServerType != nil {
		inst.InstanceType = s.ServerType.Name
	}
	if s.Image != nil {
		inst.ImageID = formatID(s.Image.ID)
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil {
		inst.PublicAddress = ip.String()
	}
	if len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil {
		inst.PrivateAddress = s.PrivateNet[0].IP.String()
	}
	return inst
}

// ListInstances returns the servers matching filter
func (c *Connector) ListInstances(ctx context.Context, filter cloud.InstanceFilter) ([]*cloud.Instance, error) {
	var servers []*hcloud.Server
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			n, err := parseID("server", id)
			if err != nil {
				return nil, err
			}
			s, _, err := c.client.Server.GetByID(ctx, n)
			if err != nil {
				return nil, translate("GetServer", err)
			}
			if s != nil {
				servers = append(servers, s)
			}
		}
	} else {
		labels := map[string]string{}
		if filter.ReservationID != "" {
			labels[labelReservation] = filter.ReservationID
		}
		if filter.KeyName != "" {
			labels[labelKeyName] = filter.KeyName
		}
		all, err := c.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
			ListOpts: hcloud.ListOpts{LabelSelector: labelSelector(labels)},
		})
		if err != nil {
			return nil, translate("ListServers", err)
		}
		servers = all
	}

	var instances []*cloud.Instance
	for _, s := range servers {
		inst := toInstance(s)
		if filter.ReservationID != "" && inst.ReservationID != filter.ReservationID {
			continue
		}
		if filter.KeyName != "" && inst.KeyName != filter.KeyName {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// RunInstances creates input.Count servers. Creation is not awaited; the
// reconciler follows the servers until they run.
func (c *Connector) RunInstances(ctx context.Context, input cloud.RunInstancesInput) (*cloud.Reservation, error) {
	count := input.Count
	if count <= 0 {
		count = 1
	}
	res := &cloud.Reservation{ID: "r-" + uuid.New().String()[:8]}

	opts := hcloud.ServerCreateOpts{
		ServerType: &hcloud.ServerType{Name: input.InstanceType},
		Image:      imageRef(input.ImageID),
		UserData:   input.UserData,
		Labels:     map[string]string{labelReservation: res.ID},
	}
	if input.Zone != "" {
		opts.Location = &hcloud.Location{Name: input.Zone}
	}

	if input.KeyName != "" {
		key, _, err := c.client.SSHKey.GetByName(ctx, input.KeyName)
		if err != nil {
			return nil, translate("GetSSHKey", err)
		}
		if key == nil {
			return nil, notFound("GetSSHKey", "ssh key", input.KeyName)
		}
		opts.SSHKeys = []*hcloud.SSHKey{key}
		opts.Labels[labelKeyName] = input.KeyName
	}

	for _, name := range input.SecurityGroups {
		fw, _, err := c.client.Firewall.GetByName(ctx, name)
		if err != nil {
			return nil, translate("GetFirewall", err)
		}
		if fw == nil {
			return nil, notFound("GetFirewall", "firewall", name)
		}
		opts.Firewalls = append(opts.Firewalls, &hcloud.ServerCreateFirewall{Firewall: *fw})
	}

	if input.VolumeID != "" {
		n, err := parseID("volume", input.VolumeID)
		if err != nil {
			return nil, err
		}
		opts.Volumes = []*hcloud.Volume{{ID: n}}
		opts.Automount = hcloud.Ptr(true)
	}

	for i := 0; i < count; i++ {
		opts.Name = fmt.Sprintf("%s-%d", res.ID, i)
		result, _, err := c.client.Server.Create(ctx, opts)
		if err != nil {
			return nil, translate("CreateServer", err)
		}
		if result.Server == nil {
			return nil, cloud.Inconsistent("CreateServer", "no server returned")
		}
		inst := toInstance(result.Server)
		inst.ReservationID = res.ID
		res.Instances = append(res.Instances, inst)
	}
	return res, nil
}

func imageRef(id string) *hcloud.Image {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return &hcloud.Image{ID: n}
	}
	return &hcloud.Image{Name: id}
}

// StopInstances deletes the servers and waits for the deletion to finish,
// since a deleted server cannot be observed afterwards
func (c *Connector) StopInstances(ctx context.Context, ids ...string) ([]*cloud.Instance, error) {
	instances := make([]*cloud.Instance, 0, len(ids))
	for _, id := range ids {
		n, err := parseID("server", id)
		if err != nil {
			return nil, err
		}
		result, _, err := c.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: n})
		if err != nil {
			return nil, translate("DeleteServer", err)
		}
		if result != nil && result.Action != nil {
			if err := c.client.Action.WaitFor(ctx, result.Action); err != nil {
				return nil, translate("DeleteServer", err)
			}
		}
		instances = append(instances, &cloud.Instance{ID: id, State: string(types.InstanceStateTerminated)})
	}
	return instances, nil
}

// UpdateInstance re-reads a single server
func (c *Connector) UpdateInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	n, err := parseID("server", id)
	if err != nil {
		return nil, err
	}
	s, _, err := c.client.Server.GetByID(ctx, n)
	if err != nil {
		return nil, translate("GetServer", err)
	}
	if s == nil {
		return nil, notFound("GetServer", "server", id)
	}
	return toInstance(s), nil
}

func snapshotStatus(status hcloud.ImageStatus) string {
	switch status {
	case hcloud.ImageStatusCreating:
		return string(types.SnapshotStatusPending)
	case hcloud.ImageStatusAvailable:
		return string(types.SnapshotStatusCompleted)
	default:
		return string(status)
	}
}

func toSnapshot(img *hcloud.Image) *cloud.Snapshot {
	created := img.Created
	return &cloud.Snapshot{
		ID:        formatID(img.ID),
		VolumeID:  img.Labels[labelVolume],
		Status:    snapshotStatus(img.Status),
		StartTime: &created,
	}
}

// CreateSnapshot snapshots the server the volume is attached to
func (c *Connector) CreateSnapshot(ctx context.Context, volumeID, description string) (*cloud.Snapshot, error) {
	n, err := parseID("volume", volumeID)
	if err != nil {
		return nil, err
	}
	v, _, err := c.client.Volume.GetByID(ctx, n)
	if err != nil {
		return nil, translate("GetVolume", err)
	}
	if v == nil {
		return nil, notFound("GetVolume", "volume", volumeID)
	}
	if v.Server == nil {
		return nil, &cloud.APIError{Op: "CreateSnapshot", Code: "volume_not_attached", Message: fmt.Sprintf("volume %s is not attached to a server", volumeID)}
	}

	result, _, err := c.client.Server.CreateImage(ctx, v.Server, &hcloud.ServerCreateImageOpts{
		Type:        hcloud.ImageTypeSnapshot,
		Description: hcloud.Ptr(description),
		Labels:      map[string]string{labelVolume: volumeID},
	})
	if err != nil {
		return nil, translate("CreateImage", err)
	}
	if result.Image == nil {
		return nil, cloud.Inconsistent("CreateImage", "no image returned")
	}
	snap := toSnapshot(result.Image)
	snap.VolumeID = volumeID
	return snap, nil
}

// ListSnapshots fetches each snapshot image by id
func (c *Connector) ListSnapshots(ctx context.Context, ids ...string) ([]*cloud.Snapshot, error) {
	snapshots := make([]*cloud.Snapshot, 0, len(ids))
	for _, id := range ids {
		n, err := parseID("image", id)
		if err != nil {
			return nil, err
		}
		img, _, err := c.client.Image.GetByID(ctx, n)
		if err != nil {
			return nil, translate("GetImage", err)
		}
		if img == nil {
			return nil, notFound("GetImage", "image", id)
		}
		snapshots = append(snapshots, toSnapshot(img))
	}
	return snapshots, nil
}

// DeleteSnapshot deletes one snapshot image
func (c *Connector) DeleteSnapshot(ctx context.Context, id string) error {
	n, err := parseID("image", id)
	if err != nil {
		return err
	}
	_, err = c.client.Image.Delete(ctx, &hcloud.Image{ID: n})
	return translate("DeleteImage", err)
}

// GetKeyPair looks an SSH key up by name
func (c *Connector) GetKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	key, _, err := c.client.SSHKey.GetByName(ctx, name)
	if err != nil {
		return nil, translate("GetSSHKey", err)
	}
	if key == nil {
		return nil, nil
	}
	return &cloud.KeyPair{Name: key.Name, Fingerprint: key.Fingerprint}, nil
}

// CreateKeyPair generates a key pair locally and uploads its public half
func (c *Connector) CreateKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	kp, err := keygen.Generate()
	if err != nil {
		return nil, &cloud.UnexpectedError{Op: "CreateKeyPair", Err: err}
	}
	key, _, err := c.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: string(kp.PublicKey),
	})
	if err != nil {
		return nil, translate("CreateSSHKey", err)
	}
	return &cloud.KeyPair{Name: key.Name, Fingerprint: key.Fingerprint, Material: string(kp.PrivateKey)}, nil
}

// DeleteKeyPair removes an SSH key. Deleting a missing key is a no-op.
func (c *Connector) DeleteKeyPair(ctx context.Context, name string) error {
	key, _, err := c.client.SSHKey.GetByName(ctx, name)
	if err != nil {
		return translate("GetSSHKey", err)
	}
	if key == nil {
		return nil
	}
	_, err = c.client.SSHKey.Delete(ctx, key)
	return translate("DeleteSSHKey", err)
}

// GetSecurityGroup looks a firewall up by name
func (c *Connector) GetSecurityGroup(ctx context.Context, name string) (*cloud.SecurityGroup, error) {
	fw, _, err := c.client.Firewall.GetByName(ctx, name)
	if err != nil {
		return nil, translate("GetFirewall", err)
	}
	if fw == nil {
		return nil, nil
	}
	return &cloud.SecurityGroup{ID: formatID(fw.ID), Name: fw.Name}, nil
}

// CreateSecurityGroup creates a firewall with the given inbound rules
func (c *Connector) CreateSecurityGroup(ctx context.Context, name, description string, rules []cloud.IngressRule) (*cloud.SecurityGroup, error) {
	fwRules, err := firewallRules(rules, description)
	if err != nil {
		return nil, err
	}
	result, _, err := c.client.Firewall.Create(ctx, hcloud.FirewallCreateOpts{
		Name:  name,
		Rules: fwRules,
	})
	if err != nil {
		return nil, translate("CreateFirewall", err)
	}
	if result.Firewall == nil {
		return nil, cloud.Inconsistent("CreateFirewall", "no firewall returned")
	}
	return &cloud.SecurityGroup{ID: formatID(result.Firewall.ID), Name: name, Description: description}, nil
}

func firewallRules(rules []cloud.IngressRule, description string) ([]hcloud.FirewallRule, error) {
	out := make([]hcloud.FirewallRule, 0, len(rules))
	for _, r := range rules {
		_, cidr, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return nil, cloud.Validationf("invalid CIDR %q: %v", r.CIDR, err)
		}
		rule := hcloud.FirewallRule{
			Direction:   hcloud.FirewallRuleDirectionIn,
			SourceIPs:   []net.IPNet{*cidr},
			Protocol:    hcloud.FirewallRuleProtocol(r.Protocol),
			Description: hcloud.Ptr(description),
		}
		if r.Protocol == "tcp" || r.Protocol == "udp" {
			port := strconv.Itoa(r.FromPort)
			if r.ToPort > r.FromPort {
				port = fmt.Sprintf("%d-%d", r.FromPort, r.ToPort)
			}
			rule.Port = hcloud.Ptr(port)
		}
		out = append(out, rule)
	}
	return out, nil
}

// labelSelector renders labels as an hcloud label selector
func labelSelector(labels map[string]string) string {
	selector := ""
	for k, v := range labels {
		if selector != "" {
			selector += ","
		}
		selector += k + "=" + v
	}
	return selector
}
