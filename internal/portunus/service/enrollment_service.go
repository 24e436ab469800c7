package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/recognition"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

var (
	ErrInvalidName   = errors.New("name is required and must be at most 128 characters")
	ErrNoFace        = errors.New("no face found in the captured frame")
	ErrMultipleFaces = errors.New("more than one face in the captured frame")
	ErrCameraInUse   = errors.New("camera in use; enter administrative pause first")
)

const maxNameLen = 128

// FrameGrabber captures a single still for enrollment.
type FrameGrabber interface {
	Grab(ctx context.Context) (types.Frame, error)
}

// GrabberFunc adapts a function to FrameGrabber.
type GrabberFunc func(ctx context.Context) (types.Frame, error)

func (f GrabberFunc) Grab(ctx context.Context) (types.Frame, error) { return f(ctx) }

// GalleryReloader is satisfied by *recognition.GalleryCache.
type GalleryReloader interface {
	Reload(ctx context.Context) (int, error)
}

// EnrollRequest creates an identity. When Embedding is empty a frame is
// captured and encoded.
type EnrollRequest struct {
	Name       string
	Details    string
	Credential *string
	Embedding  []float64
}

// UpdateRequest changes identity fields. Nil fields are left alone; an
// empty Credential unbinds the card.
type UpdateRequest struct {
	Name       *string
	Details    *string
	Credential *string
}

// EnrollmentService manages enrolled identities and keeps the gallery in
// step with the store.
type EnrollmentService struct {
	identities store.IdentityStore
	capability recognition.Capability
	grabber    FrameGrabber
	gallery    GalleryReloader
	logger     *slog.Logger
}

func NewEnrollmentService(ids store.IdentityStore, c recognition.Capability, g FrameGrabber, gallery GalleryReloader, logger *slog.Logger) *EnrollmentService {
	return &EnrollmentService{
		identities: ids,
		capability: c,
		grabber:    g,
		gallery:    gallery,
		logger:     logging.NewComponentLogger(logger, "enrollment"),
	}
}

// NormalizeName trims and NFC-normalizes a display name.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if n == "" || utf8.RuneCountInString(n) > maxNameLen {
		return "", ErrInvalidName
	}
	return n, nil
}

// CaptureEmbedding grabs one frame and encodes its only face.
func (s *EnrollmentService) CaptureEmbedding(ctx context.Context) ([]float64, error) {
	f, err := s.grabber.Grab(ctx)
	if err != nil {
		return nil, err
	}
	boxes, err := s.capability.Detect(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	switch len(boxes) {
	case 0:
		return nil, ErrNoFace
	case 1:
	default:
		return nil, ErrMultipleFaces
	}
	embs, err := s.capability.Encode(ctx, f, boxes)
	if err != nil {
		return nil, fmt.Errorf("encode face: %w", err)
	}
	if len(embs) != 1 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("encode face: no embedding returned")
	}
	return embs[0], nil
}

func (s *EnrollmentService) List(ctx context.Context) ([]types.Identity, error) {
	return s.identities.List(ctx)
}

func (s *EnrollmentService) Get(ctx context.Context, id int64) (types.Identity, error) {
	return s.identities.Get(ctx, id)
}

// Enroll creates an identity and reloads the gallery.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (types.Identity, error) {
	name, err := NormalizeName(req.Name)
	if err != nil {
		return types.Identity{}, err
	}

	emb := req.Embedding
	if len(emb) == 0 {
		if emb, err = s.CaptureEmbedding(ctx); err != nil {
			return types.Identity{}, err
		}
	}

	id, err := s.identities.Create(ctx, store.NewIdentity{
		Name:       name,
		Details:    strings.TrimSpace(req.Details),
		Embedding:  emb,
		Credential: req.Credential,
	})
	if err != nil {
		return types.Identity{}, err
	}
	s.logger.Info("identity enrolled",
		logging.Int64(logging.FieldIdentityID, id.ID),
		logging.String("name", id.Name),
		logging.Bool("credential", id.Credential != nil))
	s.reload(ctx)
	return id, nil
}

// Update applies req in one store write. Input is validated first so a bad
// name or a credential conflict leaves the identity untouched.
func (s *EnrollmentService) Update(ctx context.Context, id int64, req UpdateRequest) (types.Identity, error) {
	u := store.IdentityUpdate{Credential: req.Credential}
	if req.Name != nil {
		name, err := NormalizeName(*req.Name)
		if err != nil {
			return types.Identity{}, err
		}
		u.Name = &name
	}
	if req.Details != nil {
		details := strings.TrimSpace(*req.Details)
		u.Details = &details
	}

	if err := s.identities.Update(ctx, id, u); err != nil {
		return types.Identity{}, err
	}

	s.logger.Info("identity updated", logging.Int64(logging.FieldIdentityID, id))
	if req.Name != nil {
		s.reload(ctx)
	}
	return s.identities.Get(ctx, id)
}

// Recapture replaces the identity's embedding from a fresh frame.
func (s *EnrollmentService) Recapture(ctx context.Context, id int64) error {
	if _, err := s.identities.Get(ctx, id); err != nil {
		return err
	}
	emb, err := s.CaptureEmbedding(ctx)
	if err != nil {
		return err
	}
	if err := s.identities.UpdateEmbedding(ctx, id, emb); err != nil {
		return err
	}
	s.logger.Info("embedding recaptured", logging.Int64(logging.FieldIdentityID, id))
	s.reload(ctx)
	return nil
}

// Delete removes the identity and its admission events.
func (s *EnrollmentService) Delete(ctx context.Context, id int64) error {
	if err := s.identities.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("identity deleted", logging.Int64(logging.FieldIdentityID, id))
	s.reload(ctx)
	return nil
}

func (s *EnrollmentService) reload(ctx context.Context) {
	if s.gallery == nil {
		return
	}
	if _, err := s.gallery.Reload(ctx); err != nil {
		s.logger.Error("gallery reload after enrollment change failed", logging.Error(err))
	}
}
