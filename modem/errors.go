package modem

import "errors"

var (
	// ErrNoDialer is returned when an Engine is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on an
	// Engine that has not been successfully initialized.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrAlreadyClosed is returned when Close is called on an Engine that has
	// already been closed, or a command is issued after Close.
	ErrAlreadyClosed = errors.New("engine already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLoopRunning is returned when Loop is started while it is already
	// running. The Engine permits exactly one Loop per instance.
	ErrLoopRunning = errors.New("event loop already running")
)
