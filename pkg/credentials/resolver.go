package credentials

import (
	"context"
	"fmt"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

// Resolver turns an application id into the CI project and decrypted token used to reach it.
type Resolver struct {
	applications persistence.ApplicationRepository
	cipher       *Cipher
}

func NewResolver(applications persistence.ApplicationRepository, cipher *Cipher) *Resolver {
	return &Resolver{applications: applications, cipher: cipher}
}

// Resolve returns the application together with its decrypted project credentials.
func (r *Resolver) Resolve(ctx context.Context, applicationID int64) (*models.Application, ci.Project, error) {
	application, err := r.applications.GetByID(ctx, applicationID)
	if err != nil {
		return nil, ci.Project{}, err
	}

	project, err := r.Project(application)
	if err != nil {
		return nil, ci.Project{}, err
	}

	return application, project, nil
}

// Project decrypts the token of an already loaded application.
func (r *Resolver) Project(application *models.Application) (ci.Project, error) {
	token, err := r.cipher.Decrypt(application.PersonalAccessToken)
	if err != nil {
		return ci.Project{}, fmt.Errorf("failed to decrypt token of application %d: %w", application.ID, err)
	}

	return ci.Project{ID: application.GitlabProjectID, Token: token}, nil
}
