package noop

import (
	"context"

	"agentfleet/pkg/errors"
)

// Tracker drops everything. Used when error tracking is disabled.
type Tracker struct{}

var _ errors.Tracker = Tracker{}

func New() Tracker { return Tracker{} }

func (Tracker) CaptureError(context.Context, error, map[string]string) error { return nil }

func (Tracker) CaptureMessage(context.Context, string, errors.Level, map[string]string) error {
	return nil
}

func (Tracker) Flush(context.Context) error { return nil }
