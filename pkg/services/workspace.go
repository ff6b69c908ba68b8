package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/crypto"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
)

// WorkspaceService manages workspaces and their shared SSH key. The key is
// encrypted before it reaches the repository and never returned to callers.
// Workspace operations acquire their own catalog connection; the workspaces
// table sits above row-level security.
type WorkspaceService interface {
	Create(ctx context.Context, name, sshPrivateKey string) (*models.Workspace, error)
	Get(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error)
	SetSSHPrivateKey(ctx context.Context, workspaceID uuid.UUID, sshPrivateKey string) error
	Delete(ctx context.Context, workspaceID uuid.UUID) error
}

type workspaceService struct {
	db      *database.DB
	repo    repositories.WorkspaceRepository
	secrets *crypto.SecretBox
	logger  *zap.Logger
}

// NewWorkspaceService creates a new WorkspaceService.
func NewWorkspaceService(db *database.DB, repo repositories.WorkspaceRepository, secrets *crypto.SecretBox, logger *zap.Logger) WorkspaceService {
	return &workspaceService{
		db:      db,
		repo:    repo,
		secrets: secrets,
		logger:  logger.Named("workspace-service"),
	}
}

var _ WorkspaceService = (*workspaceService)(nil)

func (s *workspaceService) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	scope, err := s.db.WithoutWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire catalog connection: %w", err)
	}
	defer scope.Close()
	return fn(database.SetWorkspaceScope(ctx, scope))
}

func (s *workspaceService) Create(ctx context.Context, name, sshPrivateKey string) (*models.Workspace, error) {
	workspace := &models.Workspace{Name: name}

	if sshPrivateKey != "" {
		encrypted, err := s.secrets.Encrypt(sshPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt ssh key: %w", err)
		}
		workspace.SSHPrivateKey = encrypted
	}

	err := s.withScope(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, workspace)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Workspace created",
		zap.String("workspace_id", workspace.ID.String()),
		zap.String("name", workspace.Name))

	workspace.SSHPrivateKey = ""
	return workspace, nil
}

func (s *workspaceService) Get(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error) {
	var workspace *models.Workspace
	err := s.withScope(ctx, func(ctx context.Context) error {
		var err error
		workspace, err = s.repo.GetByID(ctx, workspaceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Callers never see key material, not even ciphertext.
	workspace.SSHPrivateKey = ""
	return workspace, nil
}

func (s *workspaceService) SetSSHPrivateKey(ctx context.Context, workspaceID uuid.UUID, sshPrivateKey string) error {
	encrypted, err := s.secrets.Encrypt(sshPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt ssh key: %w", err)
	}

	return s.withScope(ctx, func(ctx context.Context) error {
		return s.repo.UpdateSSHPrivateKey(ctx, workspaceID, encrypted)
	})
}

func (s *workspaceService) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	return s.withScope(ctx, func(ctx context.Context) error {
		return s.repo.SoftDelete(ctx, workspaceID)
	})
}
