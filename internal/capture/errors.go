package capture

import (
	"errors"
	"fmt"
)

// ErrForeground matches (via [errors.Is]) every [*ForegroundError].
var ErrForeground = errors.New("capture: audio capture must be started in the foreground")

// ErrSessionOpen is returned by [Controller.Open] while a previous session is
// still open.
var ErrSessionOpen = errors.New("capture: a session is already open")

// foregroundGuidance is shown to users when capture is permanently denied.
const foregroundGuidance = "audio capture must be started in the foreground; make sure the device is unlocked when starting capture"

// ForegroundError is returned by [Controller.Open] when every start attempt
// was refused because the process was not recognised as foregrounded.
// Callers should present [ForegroundError.Guidance] to the user rather than
// a generic device failure message.
type ForegroundError struct {
	// Attempts is the number of start attempts made.
	Attempts int

	// Last is the error returned by the final attempt. It is not unwrapped,
	// so a ForegroundError never matches [DeviceError] or a retryable denial.
	Last error
}

// Error implements the error interface.
func (e *ForegroundError) Error() string {
	return fmt.Sprintf("capture: failed to start audio capture after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns [ErrForeground].
func (e *ForegroundError) Unwrap() error {
	return ErrForeground
}

// Guidance returns the user-facing remedy for the failure.
func (e *ForegroundError) Guidance() string {
	return foregroundGuidance
}

// DeviceError reports an audio device failure that is not retried.
type DeviceError struct {
	// Op is the failing operation: "min_buffer", "open", "start", or "read".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error {
	return e.Err
}
