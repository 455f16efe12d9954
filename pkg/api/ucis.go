package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/cumulus/pkg/manager"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
	"github.com/cuemby/cumulus/pkg/worker"
)

// UCIView is the JSON representation of a UCI and its resources. Key pair
// material is never exposed.
type UCIView struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Owner              string         `json:"owner"`
	CredentialsID      string         `json:"credentials_id"`
	State              string         `json:"state"`
	Zone               string         `json:"zone,omitempty"`
	Error              string         `json:"error,omitempty"`
	LaunchTime         *time.Time     `json:"launch_time,omitempty"`
	TotalSize          int            `json:"total_size"`
	KeyPairName        string         `json:"key_pair_name,omitempty"`
	KeyPairFingerprint string         `json:"key_pair_fingerprint,omitempty"`
	Version            uint64         `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Volumes            []VolumeView   `json:"volumes,omitempty"`
	Instances          []InstanceView `json:"instances,omitempty"`
	Snapshots          []SnapshotView `json:"snapshots,omitempty"`
}

// VolumeView is the JSON representation of a volume
type VolumeView struct {
	ID         string     `json:"id"`
	BackendID  string     `json:"backend_id,omitempty"`
	Size       int        `json:"size"`
	Zone       string     `json:"zone,omitempty"`
	Status     string     `json:"status"`
	Device     string     `json:"device,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	AttachTime *time.Time `json:"attach_time,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// InstanceView is the JSON representation of an instance
type InstanceView struct {
	ID             string     `json:"id"`
	BackendID      string     `json:"backend_id,omitempty"`
	ReservationID  string     `json:"reservation_id,omitempty"`
	ImageID        string     `json:"image_id,omitempty"`
	InstanceType   string     `json:"instance_type,omitempty"`
	State          string     `json:"state"`
	PublicAddress  string     `json:"public_address,omitempty"`
	PrivateAddress string     `json:"private_address,omitempty"`
	LaunchTime     *time.Time `json:"launch_time,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// SnapshotView is the JSON representation of a snapshot
type SnapshotView struct {
	ID        string `json:"id"`
	VolumeID  string `json:"volume_id"`
	BackendID string `json:"backend_id,omitempty"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EnqueueRequest optionally sets a requested state before queueing
type EnqueueRequest struct {
	State string `json:"state,omitempty"`
}

// EnqueueResponse acknowledges a queued UCI
type EnqueueResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) registerUCIRoutes() {
	s.mux.HandleFunc("GET /v1/ucis/{id}", s.getUCI)
	s.mux.HandleFunc("POST /v1/ucis/{id}/enqueue", s.enqueueUCI)
	s.mux.HandleFunc("POST /v1/ucis/{id}/reset", s.resetUCI)
}

func (s *Server) getUCI(w http.ResponseWriter, r *http.Request) {
	uci, err := s.manager.GetUCI(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	view, err := s.view(uci)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) enqueueUCI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var err error
	if req.State != "" {
		err = s.manager.Request(r.Context(), id, req.State)
	} else {
		err = s.manager.Enqueue(r.Context(), id)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}

	uci, err := s.manager.GetUCI(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: uci.ID, State: string(uci.State)})
}

func (s *Server) resetUCI(w http.ResponseWriter, r *http.Request) {
	uci, err := s.manager.Reset(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	view, err := s.view(uci)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) view(uci *types.UCI) (*UCIView, error) {
	store := s.manager.Store()

	volumes, err := store.ListVolumesByUCI(uci.ID)
	if err != nil {
		return nil, err
	}
	instances, err := store.ListInstancesByUCI(uci.ID)
	if err != nil {
		return nil, err
	}
	snapshots, err := store.ListSnapshotsByUCI(uci.ID)
	if err != nil {
		return nil, err
	}

	view := &UCIView{
		ID:                 uci.ID,
		Name:               uci.Name,
		Owner:              uci.Owner,
		CredentialsID:      uci.CredentialsID,
		State:              string(uci.State),
		Zone:               uci.Zone,
		Error:              uci.Error,
		LaunchTime:         uci.LaunchTime,
		TotalSize:          uci.TotalSize,
		KeyPairName:        uci.KeyPairName,
		KeyPairFingerprint: uci.KeyPairFingerprint,
		Version:            uci.Version,
		CreatedAt:          uci.CreatedAt,
		UpdatedAt:          uci.UpdatedAt,
	}
	for _, v := range volumes {
		view.Volumes = append(view.Volumes, VolumeView{
			ID:         v.ID,
			BackendID:  v.BackendID,
			Size:       v.Size,
			Zone:       v.Zone,
			Status:     string(v.Status),
			Device:     v.Device,
			InstanceID: v.InstanceID,
			AttachTime: v.AttachTime,
			Error:      v.Error,
		})
	}
	for _, i := range instances {
		view.Instances = append(view.Instances, InstanceView{
			ID:             i.ID,
			BackendID:      i.BackendID,
			ReservationID:  i.ReservationID,
			ImageID:        i.ImageID,
			InstanceType:   i.InstanceType,
			State:          string(i.State),
			PublicAddress:  i.PublicAddress,
			PrivateAddress: i.PrivateAddress,
			LaunchTime:     i.LaunchTime,
			Error:          i.Error,
		})
	}
	for _, sn := range snapshots {
		view.Snapshots = append(view.Snapshots, SnapshotView{
			ID:        sn.ID,
			VolumeID:  sn.VolumeID,
			BackendID: sn.BackendID,
			Status:    string(sn.Status),
			Progress:  sn.Progress,
			Error:     sn.Error,
		})
	}
	return view, nil
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrNeedsReset),
		errors.Is(err, manager.ErrNotInError),
		errors.Is(err, storage.ErrDeleted),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, worker.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
