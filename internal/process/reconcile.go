package process

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

// Reconcile marks workers that are gone without an outcome as failed with
// ExitCodeLost. Records updated within quiet are skipped: their launcher
// may still be starting them. It returns the names that were marked.
func Reconcile(ctx context.Context, st store.StatusStore, rt Runtime, quiet time.Duration, logger *logging.Logger) ([]string, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	records, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list status records: %w", err)
	}

	cutoff := time.Now().Add(-quiet)
	var lost []string
	for _, rec := range records {
		if models.IsTerminalState(rec.Status) || rec.UpdatedAt.After(cutoff) {
			continue
		}

		p := Attach(rec.Name, st, rt, WithLogger(logger))
		exited, err := p.HasExited(ctx)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to check %s: %v", rec.Name, err))
			continue
		}
		if !exited {
			continue
		}

		code, err := p.ExitCode(ctx)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to read exit code of %s: %v", rec.Name, err))
			continue
		}
		if code == ExitCodeLost {
			logger.Info(fmt.Sprintf("Marked lost worker %s as failed", rec.Name))
			lost = append(lost, rec.Name)
		}
	}
	return lost, nil
}
