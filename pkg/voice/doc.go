// Package voice provides a Go SDK for real-time voice sessions against the
// Sage advisory voice backend.
//
// # Overview
//
// The SDK covers the full session loop:
//   - Microphone capture through PortAudio with a low-latency callback
//     path and a buffered fallback
//   - PCM16 encoding and decoding of base64 audio frames at 24 kHz
//   - Gapless playback of streamed agent audio on a sample-accurate
//     timeline
//   - WebSocket transport with JSON message envelopes
//   - A turn-taking state machine (idle, listening, thinking, speaking,
//     error) with drain-aware status reconciliation
//   - Throttled interim transcripts and finalized turn history
//   - Structured logging with Zerolog
//
// # Quick Start
//
//	config := voice.NewConfig()
//	session := voice.NewController(config)
//
//	session.OnTranscript = func(text string, isFinal bool, role voice.Role) {
//		if isFinal {
//			fmt.Printf("[%s] %s\n", role, text)
//		}
//	}
//	session.OnError = func(message string) {
//		fmt.Println("session error:", message)
//	}
//
//	if err := session.StartSession(context.Background(), nil); err != nil {
//		log.Fatal(err)
//	}
//	defer session.EndSession()
//
// # Configuration
//
// Configuration is environment-driven with sensible defaults:
//
//	SAGE_VOICE_ENDPOINT         WebSocket endpoint (default ws://localhost:8000/ws/voice/session)
//	SAGE_VOICE_TOKEN_ENDPOINT   HTTP endpoint that mints session tokens
//	SAGE_VOICE_API_KEY          API key for local token minting
//	SAGE_VOICE_SAMPLE_RATE      Capture sample rate (default 24000)
//	SAGE_VOICE_INPUT_DEVICE_ID  Capture device index (default system default)
//	SAGE_VOICE_LOG_LEVEL        trace, debug, info, warn, error
//
// wss:// endpoints are always accepted; plain ws:// is refused unless the
// host is loopback.
//
// # Turn Taking
//
// The server drives turn state over the socket. Two wire signals never
// surface as status values: "interrupted" cancels playback and returns to
// listening immediately, and "generation_done" defers the return to
// listening until locally buffered agent audio has finished playing.
package voice
