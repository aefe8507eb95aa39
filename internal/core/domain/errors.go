package domain

import "errors"

var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionEnded             = errors.New("session ended")
	ErrSessionFull              = errors.New("session is full")
	ErrNoActiveSession          = errors.New("no active session")
	ErrSessionActive            = errors.New("a session is already active")
	ErrJoinCodeNotFound         = errors.New("join code not found")
	ErrJoinCodeTaken            = errors.New("join code already in use")
	ErrParticipantNotFound      = errors.New("participant not found")
	ErrPeerNotFound             = errors.New("peer not found")
	ErrPeerExists               = errors.New("peer already exists")
	ErrPeerClosed               = errors.New("peer session closed")
	ErrNotHost                  = errors.New("operation requires the host role")
	ErrNotViewer                = errors.New("operation requires the viewer role")
	ErrNegotiationConfigMissing = errors.New("negotiation config not received yet")
	ErrChannelNotReady          = errors.New("control channel not ready")

	ErrUnknownMessageType = errors.New("unknown signal message type")
	ErrInvalidPayload     = errors.New("invalid signal payload")
	ErrInvalidSDP         = errors.New("invalid session description")

	ErrControlNotGranted = errors.New("control not granted")
	ErrControlDisabled   = errors.New("remote control is disabled for this session")
	ErrSelfGrant         = errors.New("a viewer cannot grant control to itself")

	ErrDestinationNotFound = errors.New("relay destination not found")
	ErrDestinationDisabled = errors.New("relay destination disabled")
	ErrDestinationRunning  = errors.New("relay destination already running")
	ErrUnsupportedScheme   = errors.New("unsupported relay url scheme")
	ErrInvalidDestination  = errors.New("invalid relay destination")

	ErrInvalidInputEvent = errors.New("invalid input event")
)
