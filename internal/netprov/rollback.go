package netprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type rollbackAction struct {
	label string
	fn    func(context.Context) error
}

// rollbackStack holds undo actions for completed steps, unwound in reverse.
type rollbackStack struct {
	actions []rollbackAction
}

func (s *rollbackStack) push(label string, fn func(context.Context) error) {
	s.actions = append(s.actions, rollbackAction{label: label, fn: fn})
}

func (s *rollbackStack) unwind(ctx context.Context, logger *slog.Logger) error {
	var errs []error
	for i := len(s.actions) - 1; i >= 0; i-- {
		action := s.actions[i]
		if err := action.fn(ctx); err != nil {
			logger.Warn("rollback step failed", "step", action.label, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", action.label, err))
			continue
		}
		logger.Debug("rollback step complete", "step", action.label)
	}
	s.actions = nil
	return errors.Join(errs...)
}
