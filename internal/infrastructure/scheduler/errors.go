package scheduler

import (
	"errors"

	"github.com/lexmeter/backend/internal/domain/shared"
)

var (
	// ErrSchedulerNotRunning is returned by operations that need a started scheduler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrRolloverInProgress is returned when a sweep is requested while one is running
	ErrRolloverInProgress = shared.NewDomainError("ROLLOVER_IN_PROGRESS", "Rollover sweep already in progress")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
