package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoURL                 = errors.New("no server URL provided")
	ErrNoTransport           = errors.New("no transport provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNotConnected          = errors.New("not connected")
	ErrAlreadyConnected      = errors.New("already connected")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrAHandlerAlreadySet    = errors.New("audio handler already set")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrPlaybackUnavailable   = errors.New("playback unavailable")
	ErrInvalidSampleRate     = errors.New("invalid sample rate")
)
