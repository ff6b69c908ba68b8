package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/crypto"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/logging"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
)

// DatastoreService manages datastore connections. Credentials are encrypted
// before they reach the repository and decrypted only transiently for
// connection attempts; plaintext never leaves this layer.
type DatastoreService interface {
	Create(ctx context.Context, datastore *models.Datastore) error
	Get(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Datastore, error)
	List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Datastore, error)
	Update(ctx context.Context, datastore *models.Datastore) error
	Delete(ctx context.Context, workspaceID, datastoreID uuid.UUID) error

	// Verify connects to the datastore and runs the engine's liveness
	// check, honoring the configured verification timeout.
	Verify(ctx context.Context, workspaceID, datastoreID uuid.UUID) error
}

type datastoreService struct {
	repo       repositories.DatastoreRepository
	workspaces repositories.WorkspaceRepository
	registry   *inspector.Registry
	secrets    *crypto.SecretBox
	crawlerCfg *config.CrawlerConfig
	logger     *zap.Logger
}

// NewDatastoreService creates a new DatastoreService.
func NewDatastoreService(
	repo repositories.DatastoreRepository,
	workspaces repositories.WorkspaceRepository,
	registry *inspector.Registry,
	secrets *crypto.SecretBox,
	crawlerCfg *config.CrawlerConfig,
	logger *zap.Logger,
) DatastoreService {
	return &datastoreService{
		repo:       repo,
		workspaces: workspaces,
		registry:   registry,
		secrets:    secrets,
		crawlerCfg: crawlerCfg,
		logger:     logger.Named("datastore-service"),
	}
}

var _ DatastoreService = (*datastoreService)(nil)

func (s *datastoreService) Create(ctx context.Context, datastore *models.Datastore) error {
	if !s.registry.Supports(datastore.Engine) {
		return fmt.Errorf("engine %q: %w", datastore.Engine, apperrors.ErrEngineNotSupported)
	}

	encrypted, err := s.secrets.Encrypt(datastore.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	datastore.Password = encrypted

	if err := s.repo.Create(ctx, datastore); err != nil {
		return err
	}

	s.logger.Info("Datastore created",
		zap.String("datastore_id", datastore.ID.String()),
		zap.String("engine", datastore.Engine),
		zap.String("name", datastore.Name))
	return nil
}

func (s *datastoreService) Get(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Datastore, error) {
	ds, err := s.repo.GetByID(ctx, workspaceID, datastoreID)
	if err != nil {
		return nil, err
	}
	// Callers outside this layer never see credentials, not even ciphertext.
	ds.Password = ""
	return ds, nil
}

func (s *datastoreService) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Datastore, error) {
	datastores, err := s.repo.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, ds := range datastores {
		ds.Password = ""
	}
	return datastores, nil
}

func (s *datastoreService) Update(ctx context.Context, datastore *models.Datastore) error {
	if !s.registry.Supports(datastore.Engine) {
		return fmt.Errorf("engine %q: %w", datastore.Engine, apperrors.ErrEngineNotSupported)
	}

	current, err := s.repo.GetByID(ctx, datastore.WorkspaceID, datastore.ID)
	if err != nil {
		return err
	}

	// An empty password on update means "keep the stored credentials".
	if datastore.Password == "" {
		datastore.Password = current.Password
	} else {
		encrypted, err := s.secrets.Encrypt(datastore.Password)
		if err != nil {
			return fmt.Errorf("failed to encrypt credentials: %w", err)
		}
		datastore.Password = encrypted
	}

	return s.repo.Update(ctx, datastore)
}

func (s *datastoreService) Delete(ctx context.Context, workspaceID, datastoreID uuid.UUID) error {
	return s.repo.SoftDelete(ctx, workspaceID, datastoreID)
}

func (s *datastoreService) Verify(ctx context.Context, workspaceID, datastoreID uuid.UUID) error {
	ds, err := s.repo.GetByID(ctx, workspaceID, datastoreID)
	if err != nil {
		return err
	}

	password, sshKey, err := s.decryptCredentials(ctx, ds)
	if err != nil {
		return err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.crawlerCfg.VerifyTimeout())
	defer cancel()

	err = withEngine(verifyCtx, s.registry, ds, password, sshKey, s.logger, func(ctx context.Context, eng inspector.Engine) error {
		return eng.VerifyConnection(ctx)
	})
	if err != nil {
		s.logger.Warn("Datastore verification failed",
			zap.String("datastore_id", ds.ID.String()),
			zap.String("engine", ds.Engine),
			zap.String("error", logging.SanitizeError(err)))
		return err
	}
	return nil
}

// decryptCredentials resolves the datastore password and, when SSH is
// enabled, the workspace's private key. Both are returned as plaintext for
// immediate use and must not be persisted or logged.
func (s *datastoreService) decryptCredentials(ctx context.Context, ds *models.Datastore) (password, sshKey string, err error) {
	password, err = s.secrets.Decrypt(ds.Password)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt datastore credentials: %w", err)
	}

	if ds.SSHEnabled {
		workspace, err := s.workspaces.GetByID(ctx, ds.WorkspaceID)
		if err != nil {
			return "", "", fmt.Errorf("failed to load workspace for ssh key: %w", err)
		}
		sshKey, err = s.secrets.Decrypt(workspace.SSHPrivateKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt workspace ssh key: %w", err)
		}
	}
	return password, sshKey, nil
}
