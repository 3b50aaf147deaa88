package pg

import "errors"

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationPathNotProvided = errors.New("migrations path is not provided")
	ErrMigrationsDirNotFound    = errors.New("migrations directory does not exist")

	// ErrStorageUnavailable is returned once the bounded transport retry is
	// exhausted; callers see this instead of an unbounded local backlog.
	ErrStorageUnavailable = errors.New("task storage unavailable")
)
