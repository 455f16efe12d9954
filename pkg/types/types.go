package types

import (
	"strings"
	"time"
)

// UIPendingSuffix is appended by the web UI to a requested state until the
// orchestrator picks the request up (e.g. "submittedUCI")
const UIPendingSuffix = "UCI"

// UCI represents a user configured instance: the aggregate root owning a
// bundle of volumes, instances and snapshots on one cloud account
type UCI struct {
	ID                 string
	Name               string
	Owner              string
	CredentialsID      string
	State              UCIState
	Zone               string
	Error              string
	LaunchTime         *time.Time
	TotalSize          int    // Requested total storage size in GiB
	KeyPairName        string // Key pair registered with the backend
	KeyPairMaterial    string // Private key material, only known at creation
	KeyPairFingerprint string
	Version            uint64 // Incremented by the store on every write
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UCIState represents the lifecycle state of a UCI
type UCIState string

const (
	UCIStateNew          UCIState = "new"
	UCIStateCreating     UCIState = "creating"
	UCIStateAvailable    UCIState = "available"
	UCIStateSubmitted    UCIState = "submitted"
	UCIStatePending      UCIState = "pending"
	UCIStateRunning      UCIState = "running"
	UCIStateShuttingDown UCIState = "shutting-down"
	UCIStateSnapshot     UCIState = "snapshot"
	UCIStateDeleting     UCIState = "deleting"
	UCIStateDeleted      UCIState = "deleted"
	UCIStateError        UCIState = "error"
)

// UCIStates lists every valid UCI state
var UCIStates = []UCIState{
	UCIStateNew,
	UCIStateCreating,
	UCIStateAvailable,
	UCIStateSubmitted,
	UCIStatePending,
	UCIStateRunning,
	UCIStateShuttingDown,
	UCIStateSnapshot,
	UCIStateDeleting,
	UCIStateDeleted,
	UCIStateError,
}

// Valid reports whether s is one of the defined UCI states
func (s UCIState) Valid() bool {
	for _, v := range UCIStates {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no automated action may change a UCI in state s
func (s UCIState) Terminal() bool {
	return s == UCIStateDeleted || s == UCIStateError
}

// NormalizeUCIState strips the UI-only pending suffix and reports whether the
// result is a defined state
func NormalizeUCIState(raw string) (UCIState, bool) {
	s := UCIState(strings.TrimSuffix(raw, UIPendingSuffix))
	return s, s.Valid()
}

// Volume represents a block storage volume owned by a UCI
type Volume struct {
	ID         string
	UCIID      string
	BackendID  string // Empty until the backend accepted the create call
	Size       int    // GiB
	Zone       string
	Status     VolumeStatus
	AttachTime *time.Time
	Device     string
	InstanceID string // Backend id of the instance the volume is attached to
	Error      string
	Version    uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VolumeStatus represents the backend status of a volume
type VolumeStatus string

const (
	VolumeStatusUnknown   VolumeStatus = ""
	VolumeStatusCreating  VolumeStatus = "creating"
	VolumeStatusAvailable VolumeStatus = "available"
	VolumeStatusInUse     VolumeStatus = "in-use"
	VolumeStatusDeleting  VolumeStatus = "deleting"
	VolumeStatusDeleted   VolumeStatus = "deleted"
	VolumeStatusError     VolumeStatus = "error"
)

// UCIState maps a volume status onto the UCI state it implies while the UCI
// has no running compute
func (s VolumeStatus) UCIState() (UCIState, bool) {
	switch s {
	case VolumeStatusCreating:
		return UCIStateCreating, true
	case VolumeStatusAvailable, VolumeStatusInUse:
		return UCIStateAvailable, true
	case VolumeStatusError:
		return UCIStateError, true
	default:
		return "", false
	}
}

// AggregateVolumeStatus derives a UCI state from its volumes: error if any
// volume failed, available once all are usable, creating otherwise
func AggregateVolumeStatus(volumes []*Volume) UCIState {
	state := UCIStateAvailable
	for _, v := range volumes {
		s, ok := v.Status.UCIState()
		switch {
		case ok && s == UCIStateError:
			return UCIStateError
		case !ok || s == UCIStateCreating:
			state = UCIStateCreating
		}
	}
	return state
}

// Instance represents a compute instance owned by a UCI
type Instance struct {
	ID             string
	UCIID          string
	BackendID      string
	ReservationID  string
	ImageID        string
	InstanceType   string
	State          InstanceState
	PublicAddress  string
	PrivateAddress string
	LaunchTime     *time.Time
	StopTime       *time.Time
	Error          string
	Version        uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time // Last time the record was written
}

// InstanceState represents the lifecycle state of an instance
type InstanceState string

const (
	InstanceStateNone         InstanceState = ""
	InstanceStateSubmitted    InstanceState = "submitted"
	InstanceStatePending      InstanceState = "pending"
	InstanceStateRunning      InstanceState = "running"
	InstanceStateShuttingDown InstanceState = "shutting-down"
	InstanceStateStopping     InstanceState = "stopping"
	InstanceStateStopped      InstanceState = "stopped"
	InstanceStateTerminated   InstanceState = "terminated"
	InstanceStateError        InstanceState = "error"
)

// UCIState maps an instance state onto the state of its owning UCI
func (s InstanceState) UCIState() UCIState {
	switch s {
	case InstanceStateSubmitted:
		return UCIStateSubmitted
	case InstanceStatePending:
		return UCIStatePending
	case InstanceStateRunning:
		return UCIStateRunning
	case InstanceStateShuttingDown, InstanceStateStopping:
		return UCIStateShuttingDown
	case InstanceStateStopped, InstanceStateTerminated:
		return UCIStateAvailable
	default:
		return UCIStateError
	}
}

// AggregateInstanceState derives a UCI state from its instances, which must
// be ordered by creation. An errored instance wins; otherwise the UCI follows
// its first instance that has been submitted and not terminated. With no
// such instance the UCI is available.
func AggregateInstanceState(instances []*Instance) UCIState {
	for _, inst := range instances {
		if inst.State == InstanceStateError {
			return UCIStateError
		}
	}
	for _, inst := range instances {
		if inst.State == InstanceStateNone || inst.State == InstanceStateTerminated {
			continue
		}
		return inst.State.UCIState()
	}
	return UCIStateAvailable
}

// Snapshot represents a point-in-time copy of one of the UCI's volumes
type Snapshot struct {
	ID        string
	UCIID     string
	VolumeID  string // Local Volume record id
	BackendID string
	Status    SnapshotStatus
	Progress  string
	Error     string
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SnapshotStatus represents the status of a snapshot
type SnapshotStatus string

const (
	SnapshotStatusSubmitted SnapshotStatus = "submitted"
	SnapshotStatusPending   SnapshotStatus = "pending"
	SnapshotStatusCompleted SnapshotStatus = "completed"
	SnapshotStatusDelete    SnapshotStatus = "delete" // Deletion requested by the user
	SnapshotStatusDeleted   SnapshotStatus = "deleted"
	SnapshotStatusError     SnapshotStatus = "error"
)

// Image is a machine image registered for a provider
type Image struct {
	ID           string
	ProviderType ProviderType
	ImageID      string // Backend image id (ami-..., emi-..., hcloud image id)
	Architecture string // "i386", "x86_64", "arm64"
	Description  string
	Deleted      bool
}

// ProviderType identifies a cloud backend implementation
type ProviderType string

const (
	ProviderEC2        ProviderType = "ec2"
	ProviderEucalyptus ProviderType = "eucalyptus"
	ProviderHCloud     ProviderType = "hcloud"
	ProviderFake       ProviderType = "fake"
)

// Credentials holds a user's access keys and provider endpoint settings
type Credentials struct {
	ID        string
	Name      string
	Owner     string
	AccessKey string
	SecretKey string
	Token     string // API token for token-authenticated providers
	Provider  Provider
}

// Provider describes how to reach a cloud backend
type Provider struct {
	Type       ProviderType
	RegionName string
	Endpoint   string // Host, empty for the provider default
	Port       int
	Path       string
	IsSecure   bool
}
