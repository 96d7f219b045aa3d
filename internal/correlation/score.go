package correlation

import (
	"strings"
	"time"
)

// Pattern names the textual rule that matched a transcription/chat pairing.
type Pattern string

const (
	PatternDirectQuote      Pattern = "direct_quote"
	PatternKeywordEcho      Pattern = "keyword_echo"
	PatternEmoteReaction    Pattern = "emote_reaction"
	PatternQuestionResponse Pattern = "question_response"
	PatternTemporalOnly     Pattern = "temporal_only"
)

// Timing names bucket how far a chat message landed from its expected
// arrival.
const (
	TimingImmediate  = "immediate_reaction"
	TimingQuick      = "quick_response"
	TimingDelayed    = "delayed_reaction"
	TimingDiscussion = "discussion_spawn"
	TimingOutlier    = "outlier"
)

const (
	keywordEchoMinShared = 2
	keywordEchoMinRatio  = 0.3
	directQuoteMinLen    = 5
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "a": {}, "an": {}, "to": {}, "for": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "by": {},
}

var reactionTokens = map[string]struct{}{
	"lol": {}, "lmao": {}, "lul": {}, "omegalul": {}, "kekw": {},
	"pog": {}, "poggers": {}, "pogchamp": {}, "xd": {}, "rofl": {},
	"haha": {}, "monkas": {}, "pepega": {}, "sadge": {},
}

var questionWords = map[string]struct{}{
	"what": {}, "why": {}, "how": {}, "when": {},
}

const tokenPunctuation = ".,!?:;\"'()[]"

// Transcription is one speech-to-text segment.
type Transcription struct {
	At   time.Time
	Text string
}

// ChatMessage is one viewer chat line.
type ChatMessage struct {
	At   time.Time
	User string
	Text string
}

// Match is a scored transcription/chat pairing.
type Match struct {
	Transcription Transcription
	Chat          ChatMessage
	Pattern       Pattern
	Timing        string
	Deviation     time.Duration
	Base          float64
	Multiplier    float64
	Confidence    float64
}

// scorePair classifies the pairing and folds in the timing multiplier and the
// current delay confidence.
func scorePair(trans Transcription, chat ChatMessage, delay time.Duration, delayConfidence float64) Match {
	pattern, base := classifyPattern(trans.Text, chat.Text)
	deviation := chat.At.Sub(trans.At) - delay
	timing, multiplier := classifyTiming(deviation)
	return Match{
		Transcription: trans,
		Chat:          chat,
		Pattern:       pattern,
		Timing:        timing,
		Deviation:     deviation,
		Base:          base,
		Multiplier:    multiplier,
		Confidence:    base * multiplier * delayConfidence,
	}
}

// classifyPattern applies the textual rules in priority order; the first
// match wins.
func classifyPattern(transcription, chat string) (Pattern, float64) {
	trans := strings.ToLower(strings.TrimSpace(transcription))
	msg := strings.ToLower(strings.TrimSpace(chat))

	if len(trans) > directQuoteMinLen && msg != "" && strings.Contains(msg, trans) {
		return PatternDirectQuote, 0.9
	}

	transWords := significantWords(trans)
	chatWords := significantWords(msg)
	if len(chatWords) > 0 {
		shared := 0
		for w := range chatWords {
			if _, ok := transWords[w]; ok {
				shared++
			}
		}
		if shared >= keywordEchoMinShared && float64(shared)/float64(len(chatWords)) >= keywordEchoMinRatio {
			return PatternKeywordEcho, 0.7
		}
	}

	for _, tok := range strings.Fields(msg) {
		if _, ok := reactionTokens[strings.Trim(tok, tokenPunctuation)]; ok {
			return PatternEmoteReaction, 0.6
		}
	}

	if strings.Contains(msg, "?") && containsQuestionWord(msg) {
		return PatternQuestionResponse, 0.5
	}

	return PatternTemporalOnly, 0.3
}

// classifyTiming buckets the absolute deviation from the expected arrival.
func classifyTiming(deviation time.Duration) (string, float64) {
	d := deviation
	if d < 0 {
		d = -d
	}
	switch {
	case d <= time.Second:
		return TimingImmediate, 1.0
	case d <= 3*time.Second:
		return TimingQuick, 0.9
	case d <= 8*time.Second:
		return TimingDelayed, 0.7
	case d <= 15*time.Second:
		return TimingDiscussion, 0.5
	default:
		return TimingOutlier, 0.5
	}
}

// significantWords tokenizes text into lowercased words longer than two
// characters that are not stop words.
func significantWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, tokenPunctuation)
		if len(tok) <= 2 {
			continue
		}
		if _, ok := stopWords[tok]; ok {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func containsQuestionWord(msg string) bool {
	for _, tok := range strings.Fields(msg) {
		if _, ok := questionWords[strings.Trim(tok, tokenPunctuation)]; ok {
			return true
		}
	}
	return false
}
