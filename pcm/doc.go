// Package pcm converts mono 16-bit PCM between its integer wire form and the
// normalized float domain used by the capture and playback paths, and
// resamples float sequences between arbitrary rates with linear interpolation.
//
// Fixed protocol rates: audio sent to the server is TransmitRate, audio
// received from it is SourceRate. Device rates are discovered at runtime.
package pcm
