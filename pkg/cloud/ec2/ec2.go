// Package ec2 implements cloud.Connector for Amazon EC2 and EC2-compatible
// clouds such as Eucalyptus.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

// API is the subset of the EC2 client used by the connector
type API interface {
	CreateVolume(ctx context.Context, params *awsec2.CreateVolumeInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *awsec2.DescribeVolumesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, params *awsec2.DeleteVolumeInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteVolumeOutput, error)
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	CreateSnapshot(ctx context.Context, params *awsec2.CreateSnapshotInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *awsec2.DescribeSnapshotsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSnapshotsOutput, error)
	DeleteSnapshot(ctx context.Context, params *awsec2.DeleteSnapshotInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteSnapshotOutput, error)
	DescribeKeyPairs(ctx context.Context, params *awsec2.DescribeKeyPairsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, params *awsec2.CreateKeyPairInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *awsec2.DeleteKeyPairInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteKeyPairOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *awsec2.DescribeSecurityGroupsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *awsec2.CreateSecurityGroupInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *awsec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*awsec2.Options)) (*awsec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Connector talks to one EC2 region with one set of access keys
type Connector struct {
	api API
}

// New wraps an existing EC2 API client
func New(api API) *Connector {
	return &Connector{api: api}
}

// Dial builds a session for creds. The SDK retryer is disabled: a failed
// call is reported, never repeated.
func Dial(ctx context.Context, creds *types.Credentials) (cloud.Connector, error) {
	provider := string(creds.Provider.Type)
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, &cloud.ConnectionError{Provider: provider, Err: errors.New("missing access keys")}
	}
	region := creds.Provider.RegionName
	if region == "" {
		return nil, &cloud.ConnectionError{Provider: provider, Err: errors.New("no region configured")}
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")),
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, &cloud.ConnectionError{Provider: provider, Err: fmt.Errorf("failed to load AWS config: %w", err)}
	}

	endpoint := Endpoint(creds.Provider)
	client := awsec2.NewFromConfig(cfg, func(o *awsec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return New(client), nil
}

// Endpoint renders the provider's custom endpoint URL, or "" to use the
// SDK's regional default
func Endpoint(p types.Provider) string {
	if p.Endpoint == "" {
		return ""
	}
	scheme := "http"
	if p.IsSecure {
		scheme = "https"
	}
	host := p.Endpoint
	if p.Port > 0 {
		host = net.JoinHostPort(p.Endpoint, strconv.Itoa(p.Port))
	}
	path := strings.TrimSuffix(p.Path, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// translate maps an SDK error onto the cloud error taxonomy
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &cloud.APIError{Op: op, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &cloud.ConnectionError{Provider: "ec2", Err: err}
	}

	return &cloud.UnexpectedError{Op: op, Err: err}
}

func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

// CreateVolume creates a volume of size GiB in zone
func (c *Connector) CreateVolume(ctx context.Context, size int, zone string) (*cloud.Volume, error) {
	out, err := c.api.CreateVolume(ctx, &awsec2.CreateVolumeInput{
		AvailabilityZone: aws.String(zone),
		Size:             aws.Int32(int32(size)),
	})
	if err != nil {
		return nil, translate("CreateVolume", err)
	}
	return &cloud.Volume{
		ID:     aws.ToString(out.VolumeId),
		Size:   int(aws.ToInt32(out.Size)),
		Zone:   aws.ToString(out.AvailabilityZone),
		Status: string(out.State),
	}, nil
}

// ListVolumes describes the volumes with the given ids
func (c *Connector) ListVolumes(ctx context.Context, ids ...string) ([]*cloud.Volume, error) {
	out, err := c.api.DescribeVolumes(ctx, &awsec2.DescribeVolumesInput{VolumeIds: ids})
	if err != nil {
		return nil, translate("DescribeVolumes", err)
	}
	volumes := make([]*cloud.Volume, 0, len(out.Volumes))
	for i := range out.Volumes {
		volumes = append(volumes, toVolume(&out.Volumes[i]))
	}
	return volumes, nil
}

func toVolume(v *ec2types.Volume) *cloud.Volume {
	vol := &cloud.Volume{
		ID:     aws.ToString(v.VolumeId),
		Size:   int(aws.ToInt32(v.Size)),
		Zone:   aws.ToString(v.AvailabilityZone),
		Status: string(v.State),
	}
	if len(v.Attachments) > 0 {
		a := v.Attachments[0]
		vol.InstanceID = aws.ToString(a.InstanceId)
		vol.AttachTime = a.AttachTime
		vol.Device = aws.ToString(a.Device)
	}
	return vol
}

// DeleteVolume deletes one volume
func (c *Connector) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.api.DeleteVolume(ctx, &awsec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	return translate("DeleteVolume", err)
}

// ListInstances returns the instances matching filter. Unknown instance ids
// yield an empty result rather than an error so callers can detect
// instances that disappeared.
func (c *Connector) ListInstances(ctx context.Context, filter cloud.InstanceFilter) ([]*cloud.Instance, error) {
	input := &awsec2.DescribeInstancesInput{InstanceIds: filter.IDs}
	if filter.ReservationID != "" {
		input.Filters = append(input.Filters, ec2types.Filter{Name: aws.String("reservation-id"), Values: []string{filter.ReservationID}})
	}
	if filter.KeyName != "" {
		input.Filters = append(input.Filters, ec2types.Filter{Name: aws.String("key-name"), Values: []string{filter.KeyName}})
	}

	out, err := c.api.DescribeInstances(ctx, input)
	if err != nil {
		if isCode(err, "InvalidInstanceID.NotFound") {
			return nil, nil
		}
		return nil, translate("DescribeInstances", err)
	}

	var instances []*cloud.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			instances = append(instances, toInstance(aws.ToString(r.ReservationId), &r.Instances[i]))
		}
	}
	return instances, nil
}

func toInstance(reservationID string, i *ec2types.Instance) *cloud.Instance {
	inst := &cloud.Instance{
		ID:             aws.ToString(i.InstanceId),
		ReservationID:  reservationID,
		ImageID:        aws.ToString(i.ImageId),
		InstanceType:   string(i.InstanceType),
		KeyName:        aws.ToString(i.KeyName),
		PublicAddress:  aws.ToString(i.PublicDnsName),
		PrivateAddress: aws.ToString(i.PrivateDnsName),
		LaunchTime:     i.LaunchTime,
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	return inst
}

// RunInstances starts input.Count instances in one reservation
func (c *Connector) RunInstances(ctx context.Context, input cloud.RunInstancesInput) (*cloud.Reservation, error) {
	count := int32(input.Count)
	if count <= 0 {
		count = 1
	}
	req := &awsec2.RunInstancesInput{
		ImageId:        aws.String(input.ImageID),
		MinCount:       aws.Int32(count),
		MaxCount:       aws.Int32(count),
		InstanceType:   ec2types.InstanceType(input.InstanceType),
		SecurityGroups: input.SecurityGroups,
	}
	if input.KeyName != "" {
		req.KeyName = aws.String(input.KeyName)
	}
	if input.UserData != "" {
		req.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(input.UserData)))
	}
	if input.Zone != "" {
		req.Placement = &ec2types.Placement{AvailabilityZone: aws.String(input.Zone)}
	}

	out, err := c.api.RunInstances(ctx, req)
	if err != nil {
		return nil, translate("RunInstances", err)
	}

	res := &cloud.Reservation{ID: aws.ToString(out.ReservationId)}
	for i := range out.Instances {
		res.Instances = append(res.Instances, toInstance(res.ID, &out.Instances[i]))
	}
	return res, nil
}

// StopInstances terminates the given instances and returns their new state
func (c *Connector) StopInstances(ctx context.Context, ids ...string) ([]*cloud.Instance, error) {
	out, err := c.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, translate("TerminateInstances", err)
	}
	instances := make([]*cloud.Instance, 0, len(out.TerminatingInstances))
	for _, change := range out.TerminatingInstances {
		inst := &cloud.Instance{ID: aws.ToString(change.InstanceId)}
		if change.CurrentState != nil {
			inst.State = string(change.CurrentState.Name)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// UpdateInstance re-reads a single instance
func (c *Connector) UpdateInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, translate("DescribeInstances", err)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == id {
				return toInstance(aws.ToString(r.ReservationId), &r.Instances[i]), nil
			}
		}
	}
	return nil, cloud.Inconsistent("DescribeInstances", "instance %s not returned", id)
}

// CreateSnapshot snapshots a volume
func (c *Connector) CreateSnapshot(ctx context.Context, volumeID, description string) (*cloud.Snapshot, error) {
	out, err := c.api.CreateSnapshot(ctx, &awsec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
	})
	if err != nil {
		return nil, translate("CreateSnapshot", err)
	}
	return &cloud.Snapshot{
		ID:        aws.ToString(out.SnapshotId),
		VolumeID:  aws.ToString(out.VolumeId),
		Status:    string(out.State),
		Progress:  aws.ToString(out.Progress),
		StartTime: out.StartTime,
	}, nil
}

// ListSnapshots describes the snapshots with the given ids
func (c *Connector) ListSnapshots(ctx context.Context, ids ...string) ([]*cloud.Snapshot, error) {
	out, err := c.api.DescribeSnapshots(ctx, &awsec2.DescribeSnapshotsInput{SnapshotIds: ids})
	if err != nil {
		return nil, translate("DescribeSnapshots", err)
	}
	snapshots := make([]*cloud.Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snapshots = append(snapshots, &cloud.Snapshot{
			ID:        aws.ToString(s.SnapshotId),
			VolumeID:  aws.ToString(s.VolumeId),
			Status:    string(s.State),
			Progress:  aws.ToString(s.Progress),
			StartTime: s.StartTime,
		})
	}
	return snapshots, nil
}

// DeleteSnapshot deletes one snapshot
func (c *Connector) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := c.api.DeleteSnapshot(ctx, &awsec2.DeleteSnapshotInput{SnapshotId: aws.String(id)})
	return translate("DeleteSnapshot", err)
}

// GetKeyPair looks a key pair up by name
func (c *Connector) GetKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	out, err := c.api.DescribeKeyPairs(ctx, &awsec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		if isCode(err, "InvalidKeyPair.NotFound") {
			return nil, nil
		}
		return nil, translate("DescribeKeyPairs", err)
	}
	for _, kp := range out.KeyPairs {
		if aws.ToString(kp.KeyName) == name {
			return &cloud.KeyPair{Name: name, Fingerprint: aws.ToString(kp.KeyFingerprint)}, nil
		}
	}
	return nil, nil
}

// CreateKeyPair registers a new key pair and returns its private material
func (c *Connector) CreateKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	out, err := c.api.CreateKeyPair(ctx, &awsec2.CreateKeyPairInput{KeyName: aws.String(name)})
	if err != nil {
		return nil, translate("CreateKeyPair", err)
	}
	return &cloud.KeyPair{
		Name:        aws.ToString(out.KeyName),
		Fingerprint: aws.ToString(out.KeyFingerprint),
		Material:    aws.ToString(out.KeyMaterial),
	}, nil
}

// DeleteKeyPair removes a key pair
func (c *Connector) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := c.api.DeleteKeyPair(ctx, &awsec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	return translate("DeleteKeyPair", err)
}

// GetSecurityGroup looks a security group up by name
func (c *Connector) GetSecurityGroup(ctx context.Context, name string) (*cloud.SecurityGroup, error) {
	out, err := c.api.DescribeSecurityGroups(ctx, &awsec2.DescribeSecurityGroupsInput{GroupNames: []string{name}})
	if err != nil {
		if isCode(err, "InvalidGroup.NotFound") {
			return nil, nil
		}
		return nil, translate("DescribeSecurityGroups", err)
	}
	for _, sg := range out.SecurityGroups {
		if aws.ToString(sg.GroupName) == name {
			return &cloud.SecurityGroup{
				ID:          aws.ToString(sg.GroupId),
				Name:        name,
				Description: aws.ToString(sg.Description),
			}, nil
		}
	}
	return nil, nil
}

// CreateSecurityGroup creates a group and authorizes its inbound rules
func (c *Connector) CreateSecurityGroup(ctx context.Context, name, description string, rules []cloud.IngressRule) (*cloud.SecurityGroup, error) {
	out, err := c.api.CreateSecurityGroup(ctx, &awsec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
	})
	if err != nil {
		return nil, translate("CreateSecurityGroup", err)
	}

	if len(rules) > 0 {
		perms := make([]ec2types.IpPermission, 0, len(rules))
		for _, r := range rules {
			perms = append(perms, ec2types.IpPermission{
				IpProtocol: aws.String(r.Protocol),
				FromPort:   aws.Int32(int32(r.FromPort)),
				ToPort:     aws.Int32(int32(r.ToPort)),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(r.CIDR)}},
			})
		}
		_, err = c.api.AuthorizeSecurityGroupIngress(ctx, &awsec2.AuthorizeSecurityGroupIngressInput{
			GroupName:     aws.String(name),
			IpPermissions: perms,
		})
		if err != nil {
			return nil, translate("AuthorizeSecurityGroupIngress", err)
		}
	}

	return &cloud.SecurityGroup{ID: aws.ToString(out.GroupId), Name: name, Description: description}, nil
}
