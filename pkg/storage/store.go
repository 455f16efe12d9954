package storage

import (
	"errors"

	"github.com/cuemby/cumulus/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a record changed since it was read
	ErrConflict = errors.New("record version conflict")

	// ErrNoChange may be returned by an update function to skip the write
	ErrNoChange = errors.New("no change")

	// ErrDeleted is returned when mutating a UCI that reached the deleted state
	ErrDeleted = errors.New("uci is deleted")
)

// Store defines the interface for orchestrator state storage.
//
// The Update*Func methods run a read-modify-write cycle inside a single write
// transaction: fn receives the latest persisted record and the result is
// written back with an incremented Version. Returning ErrNoChange from fn
// leaves the record (and its Version) untouched.
type Store interface {
	// UCIs
	CreateUCI(uci *types.UCI) error
	GetUCI(id string) (*types.UCI, error)
	ListUCIs() ([]*types.UCI, error)
	ListUCIsByState(states ...types.UCIState) ([]*types.UCI, error)
	UpdateUCI(uci *types.UCI) error
	UpdateUCIFunc(id string, fn func(*types.UCI) error) (*types.UCI, error)

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumesByUCI(uciID string) ([]*types.Volume, error)
	ListVolumesByStatus(statuses ...types.VolumeStatus) ([]*types.Volume, error)
	UpdateVolumeFunc(id string, fn func(*types.Volume) error) (*types.Volume, error)

	// Instances
	CreateInstance(instance *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstancesByUCI(uciID string) ([]*types.Instance, error)
	ListInstancesByState(states ...types.InstanceState) ([]*types.Instance, error)
	UpdateInstanceFunc(id string, fn func(*types.Instance) error) (*types.Instance, error)

	// Snapshots
	CreateSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshotsByUCI(uciID string) ([]*types.Snapshot, error)
	ListSnapshotsByStatus(statuses ...types.SnapshotStatus) ([]*types.Snapshot, error)
	UpdateSnapshotFunc(id string, fn func(*types.Snapshot) error) (*types.Snapshot, error)

	// Images
	CreateImage(image *types.Image) error
	ListImages(provider types.ProviderType) ([]*types.Image, error)

	// Credentials
	CreateCredentials(creds *types.Credentials) error
	GetCredentials(id string) (*types.Credentials, error)

	// Utility
	Close() error
}
