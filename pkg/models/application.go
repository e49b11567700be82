package models

import "time"

type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "ACTIVE"
	TokenStatusExpired TokenStatus = "EXPIRED"
)

// Application is a CI project that flow steps trigger pipelines in.
type Application struct {
	ID                  int64       `json:"id"`
	Name                string      `json:"application_name"      validate:"required"`
	Description         string      `json:"description"`
	GitlabProjectID     string      `json:"gitlab_project_id"     validate:"required"`
	PersonalAccessToken string      `json:"personal_access_token" validate:"required"` // encrypted at rest
	TokenStatus         TokenStatus `json:"token_status"`
	TokenValidatedAt    *time.Time  `json:"token_validated_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}
