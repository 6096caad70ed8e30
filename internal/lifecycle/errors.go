package lifecycle

import (
	"errors"
	"fmt"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

var (
	// ErrAlertNotFound is returned when an alert id is unknown
	ErrAlertNotFound = errors.New("alert not found")
)

// ConflictError reports a rejected transition. Current names the state the
// alert is actually in, so the caller can render what happened instead of
// retrying blindly.
type ConflictError struct {
	AlertID   string
	Current   model.AlertStatus
	Attempted model.AlertStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("alert %s is %s, cannot transition to %s", e.AlertID, e.Current, e.Attempted)
}

// IsConflict reports whether err is a transition conflict
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
