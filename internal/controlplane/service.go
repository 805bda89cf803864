// Package controlplane implements the skatepark supervisor: the structure
// registry, run lifecycle and the HTTP API in front of them.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fentz26/skatepark/internal/audit"
	"github.com/fentz26/skatepark/internal/builder"
	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/models"
	"github.com/fentz26/skatepark/internal/store"
)

// structureNamespace seeds deterministic structure ids.
var structureNamespace = uuid.MustParse("6f1c3c55-0d52-4a8e-9a3e-5b1e3c7d2a10")

// Builder prepares a structure's execution environment.
type Builder interface {
	ResolveEnv(dir string) (map[string]string, error)
	Install(ctx context.Context, s models.Structure, timeout time.Duration) error
	Interpreter(dir string) string
}

// Options tune the supervisor.
type Options struct {
	// BaseURL is injected into children as GT_CLOUD_BASE_URL.
	BaseURL           string
	SettleDelay       time.Duration
	LaunchTimeout     time.Duration
	BuildTimeout      time.Duration
	KillGrace         time.Duration
	MaxConcurrentRuns int
	Logger            *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service coordinates the store, builder and launcher.
type Service struct {
	store    *store.Store
	pdr      *audit.PDRWriter
	builder  Builder
	launcher connectors.Launcher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	builds singleflight.Group
}

// NewService creates a new control plane service.
func NewService(st *store.Store, pdr *audit.PDRWriter, b Builder, l connectors.Launcher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    st,
		pdr:      pdr,
		builder:  b,
		launcher: l,
		opts:     opts,
		logger:   logger,
		now:      now,
	}
}

// StructureID derives the id for an entry reference inside dir.
func StructureID(dir, entryRef string) string {
	return uuid.NewSHA1(structureNamespace, []byte(dir+"\n"+entryRef)).String()
}

// RegisterRequest names a structure on disk. Exactly one of MainFile and
// ConfigFile is normally set; with neither, the default config file is used.
type RegisterRequest struct {
	Directory  string `json:"directory"`
	MainFile   string `json:"main_file,omitempty"`
	ConfigFile string `json:"structure_config_file,omitempty"`
}

// --- Structure operations ---

// RegisterStructure stores the structure and builds it. A failed build
// removes the registration again. Registration runs to completion even if
// the caller goes away.
func (s *Service) RegisterStructure(ctx context.Context, req RegisterRequest) (models.Structure, error) {
	ctx = context.WithoutCancel(ctx)
	st, err := s.resolveStructure(req)
	if err != nil {
		return models.Structure{}, err
	}

	s.store.PutStructure(st)
	s.logger.InfoContext(ctx, "structure registered",
		slog.String("structure_id", st.ID), slog.String("directory", st.Directory))

	built, err := s.BuildStructure(ctx, st.ID)
	if err != nil {
		_ = s.store.DeleteStructure(st.ID)
		s.logger.WarnContext(ctx, "registration rolled back",
			slog.String("structure_id", st.ID), slog.Any("error", err))
		s.pdr.Record(ctx, "structure.register", req, "rollback", "", st.ID, err.Error())
		return models.Structure{}, err
	}

	s.pdr.Record(ctx, "structure.register", req, "success", "", st.ID, "")
	return built, nil
}

func (s *Service) resolveStructure(req RegisterRequest) (models.Structure, error) {
	if req.Directory == "" {
		return models.Structure{}, fmt.Errorf("%w: directory is required", ErrValidation)
	}
	dir, err := filepath.Abs(req.Directory)
	if err != nil {
		return models.Structure{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := checkDirectory(dir); err != nil {
		return models.Structure{}, err
	}

	st := models.Structure{
		Directory:        dir,
		MainFile:         req.MainFile,
		ConfigFile:       req.ConfigFile,
		RequirementsFile: builder.DefaultRequirementsFile,
		Env:              map[string]string{},
		CreatedAt:        s.now(),
	}
	if st.MainFile == "" && st.ConfigFile == "" {
		st.ConfigFile = builder.DefaultConfigFile
	}

	entryRef := st.MainFile
	if st.ConfigFile != "" {
		cfg, err := builder.LoadStructureConfig(filepath.Join(dir, st.ConfigFile))
		if err != nil {
			return models.Structure{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if st.MainFile == "" {
			st.MainFile = cfg.Run.MainFile
		}
		st.RequirementsFile = cfg.Build.RequirementsFile
		entryRef = st.ConfigFile
	}

	st.ID = StructureID(dir, entryRef)
	return st, nil
}

// BuildStructure validates the structure's files, resolves its .env and
// installs its manifest. Concurrent builds of one structure share a result.
// The build is bounded by Options.BuildTimeout only; a caller that goes
// away does not abort it.
func (s *Service) BuildStructure(ctx context.Context, id string) (models.Structure, error) {
	bctx := context.WithoutCancel(ctx)
	v, err, _ := s.builds.Do(id, func() (interface{}, error) {
		return s.build(bctx, id)
	})
	if err != nil {
		return models.Structure{}, err
	}
	return v.(models.Structure).Clone(), nil
}

func (s *Service) build(ctx context.Context, id string) (models.Structure, error) {
	st, err := s.GetStructure(id)
	if err != nil {
		return models.Structure{}, err
	}
	if err := validateFiles(st); err != nil {
		return models.Structure{}, err
	}

	env, err := s.builder.ResolveEnv(st.Directory)
	if err != nil {
		return models.Structure{}, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	start := s.now()
	s.logger.InfoContext(ctx, "building structure", slog.String("structure_id", id))
	if err := s.builder.Install(ctx, st, s.opts.BuildTimeout); err != nil {
		s.pdr.Record(ctx, "structure.build", map[string]string{"structure_id": id}, "failure", "", id, err.Error())
		return models.Structure{}, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	builtAt := s.now()
	updated, err := s.store.UpdateStructure(id, func(st *models.Structure) {
		st.Env = env
		st.BuiltAt = &builtAt
	})
	if err != nil {
		return models.Structure{}, fmt.Errorf("%w: %s removed during build", ErrNotRegistered, id)
	}

	s.logger.InfoContext(ctx, "structure built",
		slog.String("structure_id", id), slog.Duration("took", builtAt.Sub(start)))
	s.pdr.Record(ctx, "structure.build", map[string]string{"structure_id": id}, "success", "", id, "")
	return updated, nil
}

// GetStructure returns a registered structure.
func (s *Service) GetStructure(id string) (models.Structure, error) {
	st, err := s.store.GetStructure(id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Structure{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return st, err
}

// ListStructures returns all registered structures.
func (s *Service) ListStructures() []models.Structure {
	return s.store.ListStructures()
}

// RemoveStructure unregisters a structure and returns its id. Existing
// runs are kept.
func (s *Service) RemoveStructure(ctx context.Context, id string) (string, error) {
	if err := s.store.DeleteStructure(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotRegistered, id)
		}
		return "", err
	}
	s.logger.InfoContext(ctx, "structure removed", slog.String("structure_id", id))
	s.pdr.Record(ctx, "structure.remove", map[string]string{"structure_id": id}, "success", "", id, "")
	return id, nil
}

// Audit lists decision records, newest first.
func (s *Service) Audit(ctx context.Context, runID string, limit int) ([]models.AuditRecord, error) {
	return s.pdr.Query(ctx, runID, limit)
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: directory does not exist: %s", ErrValidation, dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: path is not a directory: %s", ErrValidation, dir)
	}
	return nil
}

// validateFiles checks build and run preconditions in a fixed order so the
// first missing piece is the one reported.
func validateFiles(st models.Structure) error {
	if err := checkDirectory(st.Directory); err != nil {
		return err
	}

	entry := filepath.Join(st.Directory, st.MainFile)
	info, err := os.Stat(entry)
	if err != nil {
		return fmt.Errorf("%w: main file does not exist: %s", ErrValidation, entry)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: main file is not a file: %s", ErrValidation, entry)
	}

	manifest := filepath.Join(st.Directory, st.RequirementsFile)
	if _, err := os.Stat(manifest); err != nil {
		return fmt.Errorf("%w: %s does not exist", ErrValidation, st.RequirementsFile)
	}
	return nil
}
