// Package reliability holds the crash-recovery and backup machinery: the
// startup cleanup pass that repairs state orphaned by the previous process,
// and the periodic database snapshot upload.
package reliability

import (
	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/queue"
)

const restartReason = "Application was restarted while analysis was running"

// StartupCleanup repairs rows the previous process left mid-flight: RUNNING
// analyses become FAILED, RUNNING queue tasks become FAILED and surviving
// PENDING tasks are reloaded. Must run before the worker pool starts.
func StartupCleanup(analyses *analysis.Repository, tasks *queue.Manager, log zerolog.Logger) error {
	log = log.With().Str("component", "startup_cleanup").Logger()

	repaired, err := analyses.FailRunning(restartReason)
	if err != nil {
		return err
	}
	if repaired > 0 {
		log.Warn().Int64("count", repaired).Msg("Orphaned running analyses marked failed")
	}

	if err := tasks.RecoverStartup(); err != nil {
		return err
	}

	log.Info().Msg("Startup cleanup complete")
	return nil
}
