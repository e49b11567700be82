package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const DefaultTokenValidationSpec = "0 0 2 * * *"

// ProjectResolver decrypts the credentials of an application.
type ProjectResolver interface {
	Project(application *models.Application) (ci.Project, error)
}

// TokenRecorder counts validation outcomes.
type TokenRecorder interface {
	TokenValidated(status models.TokenStatus)
}

// TokenValidator checks every application's token against the CI provider.
type TokenValidator struct {
	applications persistence.ApplicationRepository
	resolver     ProjectResolver
	provider     ci.Provider
	recorder     TokenRecorder
	logger       *slog.Logger
	now          func() time.Time
}

func NewTokenValidator(
	applications persistence.ApplicationRepository,
	resolver ProjectResolver,
	provider ci.Provider,
	recorder TokenRecorder,
	logger *slog.Logger,
) *TokenValidator {
	return &TokenValidator{
		applications: applications,
		resolver:     resolver,
		provider:     provider,
		recorder:     recorder,
		logger:       logger.With("module", "token_validator"),
		now:          time.Now,
	}
}

// ValidateAll validates every application and returns how many changed status. Applications whose
// check fails for reasons other than rejected credentials keep their status.
func (v *TokenValidator) ValidateAll(ctx context.Context) (int, error) {
	applications, err := v.applications.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load applications: %w", err)
	}

	changed := 0

	for _, application := range applications {
		status, ok := v.check(ctx, application)
		if !ok {
			continue
		}

		validatedAt := v.now().UTC()
		previous := application.TokenStatus
		application.TokenStatus = status
		application.TokenValidatedAt = &validatedAt

		if err := v.applications.Save(ctx, application); err != nil {
			v.logger.ErrorContext(ctx, "Failed to save token status", "application_id", application.ID, "error", err)

			continue
		}

		if v.recorder != nil {
			v.recorder.TokenValidated(status)
		}

		if previous != status {
			changed++

			v.logger.InfoContext(ctx, "Token status changed",
				"application_id", application.ID,
				"application_name", application.Name,
				"from", previous,
				"to", status)
		}
	}

	return changed, nil
}

func (v *TokenValidator) check(ctx context.Context, application *models.Application) (models.TokenStatus, bool) {
	logger := v.logger.With("application_id", application.ID)

	project, err := v.resolver.Project(application)
	if err != nil {
		logger.ErrorContext(ctx, "Cannot decrypt token", "error", err)

		return "", false
	}

	err = v.provider.ValidateConnection(ctx, project)

	switch {
	case err == nil:
		return models.TokenStatusActive, true
	case ci.IsAPIError(err, http.StatusUnauthorized), ci.IsAPIError(err, http.StatusForbidden):
		return models.TokenStatusExpired, true
	default:
		logger.WarnContext(ctx, "Token validation inconclusive", "error", err)

		return "", false
	}
}

// TokenJob runs the validator on a cron schedule with a seconds field.
type TokenJob struct {
	validator *TokenValidator
	spec      string
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewTokenJob(validator *TokenValidator, spec string, logger *slog.Logger) (*TokenJob, error) {
	if spec == "" {
		spec = DefaultTokenValidationSpec
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid token validation schedule %q: %w", spec, err)
	}

	return &TokenJob{validator: validator, spec: spec, logger: logger.With("module", "token_job")}, nil
}

func (j *TokenJob) Start(ctx context.Context) error {
	adapter := cronLogger{logger: j.logger}

	j.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(adapter),
		cron.WithChain(
			cron.SkipIfStillRunning(adapter),
			cron.Recover(adapter),
		),
	)

	if _, err := j.cron.AddFunc(j.spec, func() {
		changed, err := j.validator.ValidateAll(ctx)
		if err != nil {
			j.logger.ErrorContext(ctx, "Token validation failed", "error", err)

			return
		}

		j.logger.InfoContext(ctx, "Token validation finished", "changed", changed)
	}); err != nil {
		return fmt.Errorf("failed to schedule token validation: %w", err)
	}

	j.cron.Start()
	j.logger.Info("Token validation scheduled", "spec", j.spec)

	return nil
}

// Stop waits for a running validation to finish.
func (j *TokenJob) Stop() {
	if j.cron == nil {
		return
	}

	<-j.cron.Stop().Done()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
