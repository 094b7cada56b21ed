package app

import (
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/geminilive/internal/config"
	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/voice"
)

// speechPorts are the capture and playback ports of one session. bridge is
// set only when the ports are driven by the websocket client.
type speechPorts struct {
	input  live.SpeechInput
	output live.SpeechOutput
	bridge *voice.RemoteBridge
}

type voiceSetup struct {
	resolvedMode string
	detail       string
	newPorts     func(sessionID string, logger *log.Logger) speechPorts
}

func resolveVoice(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceMode))
	if mode == "" {
		mode = "remote"
	}

	switch mode {
	case "remote":
		return voiceSetup{
			resolvedMode: "remote",
			detail:       "browser speech recognition and synthesis over websocket",
			newPorts: func(sessionID string, logger *log.Logger) speechPorts {
				b := voice.NewRemoteBridge(sessionID, logger)
				return speechPorts{input: b.Input(), output: b.Output(), bridge: b}
			},
		}, nil
	case "mock":
		utterance := strings.TrimSpace(cfg.MockUtterance)
		wpm := cfg.MockSpeechWPM
		return voiceSetup{
			resolvedMode: "mock",
			detail:       fmt.Sprintf("simulated capture %q at %d wpm", utterance, wpm),
			newPorts: func(string, *log.Logger) speechPorts {
				return speechPorts{
					input:  voice.NewSimulatedCapture(utterance, voice.DefaultWordDelay),
					output: voice.NewSimulatedSpeaker(wpm),
				}
			},
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid LIVE_VOICE_MODE: %q (expected remote|mock)", cfg.VoiceMode)
	}
}
