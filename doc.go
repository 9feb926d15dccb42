// # Go Client Package for Realtime Voice Agents
//
// This repository provides a Go package for talking to a voice agent server over a single WebSocket: microphone audio is captured, resampled to 16 kHz and streamed as raw little-endian PCM, while 24 kHz PCM coming back is resampled to the speaker rate and scheduled for gapless playback. Text frames carry JSON control events (transcripts, turn and usage signals) that are decoded into a closed set of event variants.
package voiceagent
