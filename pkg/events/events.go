// Package events parses companion socket messages and encodes outbound ones.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/companion/pkg/errorsx"
)

// Inbound is a parsed socket message: Gesture or SpeechReply.
type Inbound interface {
	inbound()
}

// Gesture asks the avatar to play an animation clip once.
type Gesture struct {
	URL string
}

// SpeechReply is a companion chat message to be spoken with an expression.
type SpeechReply struct {
	Text    string
	Emotion Emotion
}

func (Gesture) inbound()     {}
func (SpeechReply) inbound() {}

// Emotion is one of the mutually exclusive avatar expressions.
type Emotion string

const (
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionAngry   Emotion = "angry"
	EmotionNeutral Emotion = "neutral"
)

// Emotions lists every expression the avatar exposes.
func Emotions() []Emotion {
	return []Emotion{EmotionHappy, EmotionSad, EmotionAngry, EmotionNeutral}
}

// ParseEmotion maps a tag to an Emotion, falling back to neutral.
func ParseEmotion(tag string) Emotion {
	switch e := Emotion(strings.ToLower(strings.TrimSpace(tag))); e {
	case EmotionHappy, EmotionSad, EmotionAngry, EmotionNeutral:
		return e
	}
	return EmotionNeutral
}

type wireInbound struct {
	Name   string `json:"name"`
	Params *struct {
		URL string `json:"url"`
	} `json:"params"`
	Message  *string `json:"message"`
	Metadata *struct {
		Emotion string `json:"emotion"`
	} `json:"metadata"`
}

// Parse classifies a raw socket payload. Anything that is not a gesture with a
// URL or a non-empty message yields an error wrapping errorsx.ErrMalformedMessage.
func Parse(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", errorsx.ErrMalformedMessage, err)
	}
	if w.Name == "gesture" {
		if w.Params == nil || strings.TrimSpace(w.Params.URL) == "" {
			return nil, fmt.Errorf("%w: gesture without url", errorsx.ErrMalformedMessage)
		}
		return Gesture{URL: w.Params.URL}, nil
	}
	if w.Message != nil && strings.TrimSpace(*w.Message) != "" {
		reply := SpeechReply{Text: *w.Message, Emotion: EmotionNeutral}
		if w.Metadata != nil {
			reply.Emotion = ParseEmotion(w.Metadata.Emotion)
		}
		return reply, nil
	}
	if w.Name != "" {
		return nil, fmt.Errorf("%w: unknown event %q", errorsx.ErrMalformedMessage, w.Name)
	}
	return nil, fmt.Errorf("%w: unrecognized shape", errorsx.ErrMalformedMessage)
}

// UserMessage is the outbound transcript envelope.
type UserMessage struct {
	From    string `json:"from"`
	Message string `json:"message"`
	Target  string `json:"target"`
}

// NewUserMessage builds the envelope for a finalized transcript.
func NewUserMessage(text, companionID string) UserMessage {
	return UserMessage{From: "user", Message: text, Target: companionID}
}

// Encode marshals an outbound message.
func (m UserMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
