package twiliovoice

import (
	"github.com/twilio/twilio-go/twiml"
)

// Webhook actions understood by WebhookTwiML.
const (
	ActionConnect  = "connect_to_livekit"
	ActionTransfer = "transfer"
	ActionHangup   = "hangup"
)

// SayVoice is the synthetic voice used for spoken prompts.
const SayVoice = "alice"

// ConferenceName is the Twilio conference bridged to a session's room.
func ConferenceName(sessionID string) string {
	return "livekit-" + sessionID
}

func say(text string) []twiml.Element {
	if text == "" {
		return nil
	}
	return []twiml.Element{twiml.VoiceSay{Message: text, Voice: SayVoice}}
}

// ConnectTwiML speaks explanation, if any, then joins the session's conference.
func ConnectTwiML(sessionID, explanation string) (string, error) {
	verbs := say(explanation)
	verbs = append(verbs, twiml.VoiceDial{
		InnerElements: []twiml.Element{
			twiml.VoiceConference{
				Name:                   ConferenceName(sessionID),
				StartConferenceOnEnter: "true",
				EndConferenceOnExit:    "false",
			},
		},
	})
	return twiml.Voice(verbs)
}

// TransferTwiML speaks explanation, if any, then dials target.
func TransferTwiML(target, explanation string) (string, error) {
	verbs := say(explanation)
	if target != "" {
		verbs = append(verbs, twiml.VoiceDial{Number: target})
	}
	return twiml.Voice(verbs)
}

// HangupTwiML speaks message, if any, and hangs up.
func HangupTwiML(message string) (string, error) {
	verbs := say(message)
	verbs = append(verbs, twiml.VoiceHangup{})
	return twiml.Voice(verbs)
}

// WebhookTwiML renders the response for a webhook action. Unknown actions
// thank the caller and hang up.
func WebhookTwiML(action, sessionID, explanation, target string) (string, error) {
	switch action {
	case ActionConnect, "":
		return ConnectTwiML(sessionID, explanation)
	case ActionTransfer:
		return TransferTwiML(target, explanation)
	case ActionHangup:
		return HangupTwiML(explanation)
	default:
		return HangupTwiML("Thank you for calling.")
	}
}
