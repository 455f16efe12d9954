// Package cloud defines the backend connector boundary: the narrow set of
// volume, instance, snapshot, key pair and security group operations the
// orchestrator needs, the plain DTOs that cross it, and the error taxonomy
// every implementation reports through.
package cloud

import (
	"context"
	"time"
)

// Volume is the backend view of a block storage volume
type Volume struct {
	ID         string
	Size       int
	Zone       string
	Status     string
	InstanceID string // Attached instance, empty when detached
	AttachTime *time.Time
	Device     string
}

// Instance is the backend view of a compute instance
type Instance struct {
	ID             string
	ReservationID  string
	ImageID        string
	InstanceType   string
	KeyName        string
	State          string
	PublicAddress  string
	PrivateAddress string
	LaunchTime     *time.Time
}

// Reservation groups the instances started by one run-instances call
type Reservation struct {
	ID        string
	Instances []*Instance
}

// Snapshot is the backend view of a volume snapshot
type Snapshot struct {
	ID        string
	VolumeID  string
	Status    string
	Progress  string
	StartTime *time.Time
}

// KeyPair is a key pair registered with the backend. Material is only
// populated by CreateKeyPair; backends never re-expose it afterwards.
type KeyPair struct {
	Name        string
	Fingerprint string
	Material    string
}

// SecurityGroup is a named set of inbound rules
type SecurityGroup struct {
	ID          string
	Name        string
	Description string
}

// IngressRule opens a port range to a CIDR block
type IngressRule struct {
	Protocol string // "tcp", "udp", "icmp"
	FromPort int
	ToPort   int
	CIDR     string
}

// InstanceFilter selects instances. All non-empty fields must match.
type InstanceFilter struct {
	IDs           []string
	ReservationID string
	KeyName       string
}

// RunInstancesInput describes a run-instances request
type RunInstancesInput struct {
	ImageID        string
	InstanceType   string
	KeyName        string
	SecurityGroups []string
	UserData       string
	Zone           string
	Count          int
	VolumeID       string // Volume to attach at boot, if the backend supports it
}

// Connector is a session against one cloud account.
//
// Implementations never retry and never swallow errors: every failure is
// returned as *ConnectionError, *APIError or *UnexpectedError.
type Connector interface {
	// Volumes
	CreateVolume(ctx context.Context, size int, zone string) (*Volume, error)
	ListVolumes(ctx context.Context, ids ...string) ([]*Volume, error)
	DeleteVolume(ctx context.Context, id string) error

	// Instances
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	RunInstances(ctx context.Context, input RunInstancesInput) (*Reservation, error)
	StopInstances(ctx context.Context, ids ...string) ([]*Instance, error)
	UpdateInstance(ctx context.Context, id string) (*Instance, error)

	// Snapshots
	CreateSnapshot(ctx context.Context, volumeID, description string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, ids ...string) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Key pairs. GetKeyPair returns nil, nil when the pair does not exist.
	GetKeyPair(ctx context.Context, name string) (*KeyPair, error)
	CreateKeyPair(ctx context.Context, name string) (*KeyPair, error)
	DeleteKeyPair(ctx context.Context, name string) error

	// Security groups. GetSecurityGroup returns nil, nil when absent.
	GetSecurityGroup(ctx context.Context, name string) (*SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, name, description string, rules []IngressRule) (*SecurityGroup, error)
}
