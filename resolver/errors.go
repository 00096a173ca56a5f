package resolver

import (
	"errors"
	"fmt"
)

// Ladder steps, in the order they are attempted.
const (
	StepPermanent = "permanent"
	StepHot       = "hot"
	StepMetadata  = "metadata"
	StepFast      = "fast"
	StepProvider  = "provider"
	StepDirect    = "direct"
	StepLocal     = "local"
)

// Reason classifies why a step did not produce a link.
type Reason int

// The ladder consults the reason when a step fails: a ReasonNotFound on the
// permanent path also invalidates the hot tier for that item.
const (
	// ReasonConfig means required configuration is absent.
	ReasonConfig Reason = iota + 1
	// ReasonUnhealthy means the custom domain failed its probe.
	ReasonUnhealthy
	// ReasonUpstream means a remote call failed.
	ReasonUpstream
	// ReasonNotFound means the item, source or file does not exist.
	ReasonNotFound
)

func (r Reason) String() string {
	switch r {
	case ReasonConfig:
		return "config"
	case ReasonUnhealthy:
		return "unhealthy"
	case ReasonUpstream:
		return "upstream"
	case ReasonNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

var (
	// ErrNoSource is returned when every step failed.
	ErrNoSource = errors.New("no playable source")

	// ErrNoItemID is returned when a request carries no item id.
	ErrNoItemID = errors.New("no item id")

	errModeNotDirect = errors.New("download mode is not direct")
	errNoDomain      = errors.New("url auth disabled or no custom domain configured")
	errNoProvider    = errors.New("provider not configured")
	errNoPath        = errors.New("item has no path")
)

// StepError is a typed ladder step failure.
type StepError struct {
	Step   string
	Reason Reason
	Err    error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Reason, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, reason Reason, err error) *StepError {
	return &StepError{Step: step, Reason: reason, Err: err}
}

// ReasonOf returns the reason of the outermost StepError in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return 0, false
}
