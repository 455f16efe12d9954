package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cuemby/cumulus/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUCIs        = []byte("ucis")
	bucketVolumes     = []byte("volumes")
	bucketInstances   = []byte("instances")
	bucketSnapshots   = []byte("snapshots")
	bucketImages      = []byte("images")
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db     *bolt.DB
	now    func() time.Time
	sealer Sealer
}

// Sealer encrypts secret fields on write and decrypts them on read
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Option configures a BoltStore
type Option func(*BoltStore)

// WithSealer stores key pair material and credential secrets encrypted
func WithSealer(sealer Sealer) Option {
	return func(s *BoltStore) {
		s.sealer = sealer
	}
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "cumulus.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUCIs,
			bucketVolumes,
			bucketInstances,
			bucketSnapshots,
			bucketImages,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// record describes how the generic helpers reach the bookkeeping fields of a
// stored entity
type record[T any] struct {
	bucket  []byte
	kind    string
	id      func(*T) *string
	version func(*T) *uint64
	stamps  func(*T) (created, updated *time.Time)
	secrets func(*T) []*string // Fields sealed at rest, may be nil
}

var (
	uciRecord = record[types.UCI]{
		bucket:  bucketUCIs,
		kind:    "uci",
		id:      func(u *types.UCI) *string { return &u.ID },
		version: func(u *types.UCI) *uint64 { return &u.Version },
		stamps:  func(u *types.UCI) (*time.Time, *time.Time) { return &u.CreatedAt, &u.UpdatedAt },
		secrets: func(u *types.UCI) []*string { return []*string{&u.KeyPairMaterial} },
	}
	volumeRecord = record[types.Volume]{
		bucket:  bucketVolumes,
		kind:    "volume",
		id:      func(v *types.Volume) *string { return &v.ID },
		version: func(v *types.Volume) *uint64 { return &v.Version },
		stamps:  func(v *types.Volume) (*time.Time, *time.Time) { return &v.CreatedAt, &v.UpdatedAt },
	}
	instanceRecord = record[types.Instance]{
		bucket:  bucketInstances,
		kind:    "instance",
		id:      func(i *types.Instance) *string { return &i.ID },
		version: func(i *types.Instance) *uint64 { return &i.Version },
		stamps:  func(i *types.Instance) (*time.Time, *time.Time) { return &i.CreatedAt, &i.UpdatedAt },
	}
	snapshotRecord = record[types.Snapshot]{
		bucket:  bucketSnapshots,
		kind:    "snapshot",
		id:      func(s *types.Snapshot) *string { return &s.ID },
		version: func(s *types.Snapshot) *uint64 { return &s.Version },
		stamps:  func(s *types.Snapshot) (*time.Time, *time.Time) { return &s.CreatedAt, &s.UpdatedAt },
	}
)

func load[T any](s *BoltStore, tx *bolt.Tx, r record[T], id string) (*T, error) {
	data := tx.Bucket(r.bucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%s %s: %w", r.kind, id, ErrNotFound)
	}
	v, err := decode(s, r, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", r.kind, id, err)
	}
	return v, nil
}

func decode[T any](s *BoltStore, r record[T], data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if r.secrets != nil {
		if err := s.open(r.secrets(&v)...); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// put writes v without sealing the caller's copy in place
func put[T any](s *BoltStore, tx *bolt.Tx, r record[T], v *T) error {
	stored := *v
	if r.secrets != nil {
		if err := s.seal(r.secrets(&stored)...); err != nil {
			return fmt.Errorf("failed to seal %s: %w", r.kind, err)
		}
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return tx.Bucket(r.bucket).Put([]byte(*r.id(v)), data)
}

func (s *BoltStore) seal(fields ...*string) error {
	if s.sealer == nil {
		return nil
	}
	for _, f := range fields {
		sealed, err := s.sealer.Seal(*f)
		if err != nil {
			return err
		}
		*f = sealed
	}
	return nil
}

func (s *BoltStore) open(fields ...*string) error {
	if s.sealer == nil {
		return nil
	}
	for _, f := range fields {
		plain, err := s.sealer.Open(*f)
		if err != nil {
			return err
		}
		*f = plain
	}
	return nil
}

func create[T any](s *BoltStore, r record[T], v *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id := r.id(v)
		if *id == "" {
			*id = uuid.New().String()
		}
		if tx.Bucket(r.bucket).Get([]byte(*id)) != nil {
			return fmt.Errorf("%s %s already exists", r.kind, *id)
		}
		now := s.now()
		created, updated := r.stamps(v)
		if created.IsZero() {
			*created = now
		}
		if updated.IsZero() {
			*updated = now
		}
		*r.version(v) = 1
		return put(s, tx, r, v)
	})
}

func get[T any](s *BoltStore, r record[T], id string) (*T, error) {
	var v *T
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		v, err = load(s, tx, r, id)
		return err
	})
	return v, err
}

func list[T any](s *BoltStore, r record[T], match func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, data []byte) error {
			v, err := decode(s, r, data)
			if err != nil {
				return fmt.Errorf("failed to decode %s %s: %w", r.kind, k, err)
			}
			if match == nil || match(v) {
				out = append(out, v)
			}
			return nil
		})
	})
	return out, err
}

func updateFunc[T any](s *BoltStore, r record[T], id string, fn func(*T) error) (*T, error) {
	var result *T
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := load(s, tx, r, id)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = current
				return nil
			}
			return err
		}
		// Identity and bookkeeping are owned by the store
		*r.id(current) = id
		*r.version(current)++
		_, updated := r.stamps(current)
		*updated = s.now()
		result = current
		return put(s, tx, r, current)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UCI operations
func (s *BoltStore) CreateUCI(uci *types.UCI) error {
	return create(s, uciRecord, uci)
}

func (s *BoltStore) GetUCI(id string) (*types.UCI, error) {
	return get(s, uciRecord, id)
}

func (s *BoltStore) ListUCIs() ([]*types.UCI, error) {
	return list(s, uciRecord, nil)
}

func (s *BoltStore) ListUCIsByState(states ...types.UCIState) ([]*types.UCI, error) {
	return list(s, uciRecord, func(u *types.UCI) bool {
		return slices.Contains(states, u.State)
	})
}

// UpdateUCI writes uci if its Version still matches the stored record
func (s *BoltStore) UpdateUCI(uci *types.UCI) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, err := load(s, tx, uciRecord, uci.ID)
		if err != nil {
			return err
		}
		if current.State == types.UCIStateDeleted {
			return ErrDeleted
		}
		if current.Version != uci.Version {
			return fmt.Errorf("uci %s (have v%d, stored v%d): %w", uci.ID, uci.Version, current.Version, ErrConflict)
		}
		uci.Version++
		uci.UpdatedAt = s.now()
		return put(s, tx, uciRecord, uci)
	})
}

func (s *BoltStore) UpdateUCIFunc(id string, fn func(*types.UCI) error) (*types.UCI, error) {
	return updateFunc(s, uciRecord, id, func(u *types.UCI) error {
		if u.State == types.UCIStateDeleted {
			return ErrDeleted
		}
		return fn(u)
	})
}

// Volume operations
func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return create(s, volumeRecord, volume)
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	return get(s, volumeRecord, id)
}

func (s *BoltStore) ListVolumesByUCI(uciID string) ([]*types.Volume, error) {
	return list(s, volumeRecord, func(v *types.Volume) bool { return v.UCIID == uciID })
}

func (s *BoltStore) ListVolumesByStatus(statuses ...types.VolumeStatus) ([]*types.Volume, error) {
	return list(s, volumeRecord, func(v *types.Volume) bool {
		return slices.Contains(statuses, v.Status)
	})
}

func (s *BoltStore) UpdateVolumeFunc(id string, fn func(*types.Volume) error) (*types.Volume, error) {
	return updateFunc(s, volumeRecord, id, fn)
}

// Instance operations
func (s *BoltStore) CreateInstance(instance *types.Instance) error {
	return create(s, instanceRecord, instance)
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	return get(s, instanceRecord, id)
}

func (s *BoltStore) ListInstancesByUCI(uciID string) ([]*types.Instance, error) {
	instances, err := list(s, instanceRecord, func(i *types.Instance) bool { return i.UCIID == uciID })
	if err != nil {
		return nil, err
	}
	// Creation order, so "the first instance" is stable across calls
	slices.SortStableFunc(instances, func(a, b *types.Instance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return instances, nil
}

func (s *BoltStore) ListInstancesByState(states ...types.InstanceState) ([]*types.Instance, error) {
	return list(s, instanceRecord, func(i *types.Instance) bool {
		return slices.Contains(states, i.State)
	})
}

func (s *BoltStore) UpdateInstanceFunc(id string, fn func(*types.Instance) error) (*types.Instance, error) {
	return updateFunc(s, instanceRecord, id, fn)
}

// Snapshot operations
func (s *BoltStore) CreateSnapshot(snapshot *types.Snapshot) error {
	return create(s, snapshotRecord, snapshot)
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	return get(s, snapshotRecord, id)
}

func (s *BoltStore) ListSnapshotsByUCI(uciID string) ([]*types.Snapshot, error) {
	snapshots, err := list(s, snapshotRecord, func(sn *types.Snapshot) bool { return sn.UCIID == uciID })
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(snapshots, func(a, b *types.Snapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return snapshots, nil
}

func (s *BoltStore) ListSnapshotsByStatus(statuses ...types.SnapshotStatus) ([]*types.Snapshot, error) {
	return list(s, snapshotRecord, func(sn *types.Snapshot) bool {
		return slices.Contains(statuses, sn.Status)
	})
}

func (s *BoltStore) UpdateSnapshotFunc(id string, fn func(*types.Snapshot) error) (*types.Snapshot, error) {
	return updateFunc(s, snapshotRecord, id, fn)
}

// Image operations
func (s *BoltStore) CreateImage(image *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if image.ID == "" {
			image.ID = uuid.New().String()
		}
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketImages).Put([]byte(image.ID), data)
	})
}

// ListImages returns the non-deleted images registered for provider
func (s *BoltStore) ListImages(provider types.ProviderType) ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			if !image.Deleted && image.ProviderType == provider {
				images = append(images, &image)
			}
			return nil
		})
	})
	return images, err
}

// Credentials operations
func (s *BoltStore) CreateCredentials(creds *types.Credentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if creds.ID == "" {
			creds.ID = uuid.New().String()
		}
		stored := *creds
		if err := s.seal(&stored.SecretKey, &stored.Token); err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCredentials).Put([]byte(creds.ID), data)
	})
}

func (s *BoltStore) GetCredentials(id string) (*types.Credentials, error) {
	var creds types.Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("credentials %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &creds); err != nil {
			return err
		}
		return s.open(&creds.SecretKey, &creds.Token)
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}
