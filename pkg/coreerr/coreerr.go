// Package coreerr defines the error-kind taxonomy shared by every core
// subsystem (spec §7). Each kind is a sentinel; callers switch on Is/As via
// errors.Is against the values below. Subsystems that need context wrap a
// sentinel with github.com/pkg/errors rather than inventing a new kind.
package coreerr

import "github.com/pkg/errors"

// Memory Manager kinds.
var (
	ErrObjCountInvalid   = errors.New("object count invalid")
	ErrObjTypeInvalid    = errors.New("object type invalid")
	ErrObjCapInvalid     = errors.New("object capability index invalid")
	ErrCapAllocFailed    = errors.New("capability slot allocation failed")
	ErrAllocFailed       = errors.New("allocation failed")
	ErrFreeFailed        = errors.New("free failed")
	ErrUnknownMemoryErr  = errors.New("unknown memory error")
)

// Process Manager kinds.
var (
	ErrBundleIDInvalid = errors.New("bundle id invalid")
	ErrBundleNotFound  = errors.New("bundle not found")
	ErrBundleFound     = errors.New("bundle already installed")
	ErrBundleRunning   = errors.New("bundle is running")
	ErrBundleNotRunning = errors.New("bundle is not running")
	ErrStartFailed     = errors.New("bundle start failed")
	ErrStopFailed      = errors.New("bundle stop failed")
	ErrSuspendFailed   = errors.New("bundle suspend failed")
	ErrResumeFailed    = errors.New("bundle resume failed")
	ErrInstallFailed   = errors.New("bundle install failed")
	ErrUninstallFailed = errors.New("bundle uninstall failed")
)

// ML subsystem kinds.
var (
	ErrInvalidImage     = errors.New("invalid model image")
	ErrLoadModelFailed  = errors.New("load model failed")
	ErrNoModelSlotsLeft = errors.New("no model slots left")
	ErrNoSuchModel      = errors.New("no such model")
	ErrNoOutputHeader   = errors.New("no output header")
	ErrInvalidTimer     = errors.New("invalid timer")
)

// SDK Runtime kinds (plus passthrough of the above).
var (
	ErrUnknownRequest    = errors.New("unknown request opcode")
	ErrDeserializeFailed = errors.New("deserialize failed")
	ErrSerializeFailed   = errors.New("serialize failed")
	ErrMapPageFailed     = errors.New("map page failed")
	ErrInvalidString     = errors.New("invalid string")
)

// Shell-facing kinds (the shell is an external collaborator; the core only
// needs to produce errors the shell knows how to print).
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgs        = errors.New("bad arguments")
	ErrIO             = errors.New("io error")
	ErrMemory         = errors.New("memory error")
)

// Wrap adds context to a sentinel error the way the teacher pack does
// throughout (idMap, zchee-go-qcow2): errors.Wrap(err, "context").
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}
