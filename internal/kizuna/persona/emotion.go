package persona

import "strings"

// Emotion is the coarse mood shown alongside a reply.
type Emotion string

const (
	EmotionNeutral Emotion = "neutral"
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionAngry   Emotion = "angry"
	EmotionShy     Emotion = "shy"
)

var emotionKeywords = []struct {
	emotion  Emotion
	keywords []string
}{
	{EmotionHappy, []string{"smile", "laugh", "happy", "joy"}},
	{EmotionSad, []string{"sigh", "sad", "tears", "cry"}},
	{EmotionAngry, []string{"glare", "angry", "snap", "hiss"}},
	{EmotionShy, []string{"blush", "shy", "look away"}},
}

// ExtractEmotion guesses the character's mood from the first action written
// between asterisks, e.g. "*smiles softly*". Replies without an action are
// neutral.
func ExtractEmotion(reply string) Emotion {
	start := strings.IndexByte(reply, '*')
	if start < 0 {
		return EmotionNeutral
	}
	action := reply[start+1:]
	if end := strings.IndexByte(action, '*'); end >= 0 {
		action = action[:end]
	}
	action = strings.ToLower(action)

	for _, e := range emotionKeywords {
		for _, kw := range e.keywords {
			if strings.Contains(action, kw) {
				return e.emotion
			}
		}
	}
	return EmotionNeutral
}
