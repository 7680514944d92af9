package orchestrator

import "strings"

// DefaultBackchannelPhrases is the built-in set of acknowledgement utterances
// that, while an interruption is being resolved, are classified as false
// alarms rather than new input.
var DefaultBackchannelPhrases = []string{
	"uh-huh", "uhuh", "uh huh",
	"mm-hmm", "mmhmm", "mm hmm",
	"yeah", "yep", "yup",
	"okay", "ok", "k",
	"right", "sure", "got it", "i see", "go ahead",
}

// Merge joins transcript fragments into one utterance, collapsing internal
// whitespace runs to single spaces and trimming the ends.
func Merge(fragments []string) string {
	if len(fragments) == 0 {
		return ""
	}
	return strings.Join(strings.Fields(strings.Join(fragments, " ")), " ")
}

// BackchannelSet classifies short acknowledgements ("uh-huh", "okay", …).
// The classification is only consulted while an interruption is live; outside
// of one, every utterance is treated as new input.
type BackchannelSet struct {
	phrases []string
	members map[string]struct{}
}

// NewBackchannelSet builds a set from the given phrases. Phrases are
// normalized to lower case; empty entries are dropped. A nil or empty slice
// falls back to DefaultBackchannelPhrases.
func NewBackchannelSet(phrases []string) *BackchannelSet {
	if len(phrases) == 0 {
		phrases = DefaultBackchannelPhrases
	}
	s := &BackchannelSet{
		phrases: make([]string, 0, len(phrases)),
		members: make(map[string]struct{}, len(phrases)),
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := s.members[p]; dup {
			continue
		}
		s.phrases = append(s.phrases, p)
		s.members[p] = struct{}{}
	}
	return s
}

// IsBackchannel reports whether utterance is a short acknowledgement.
//
// The utterance is lower-cased, trimmed and stripped of terminal punctuation.
// It matches if it is a set member verbatim, or if it has at most two tokens
// and the whole utterance or any single token contains a set member as a
// substring ("oh yeah", "okay then"). Longer utterances never match: a real
// sentence that happens to start with "right" is new input.
func (s *BackchannelSet) IsBackchannel(utterance string) bool {
	u := strings.ToLower(strings.TrimSpace(utterance))
	u = strings.TrimRight(u, ".,!?")
	u = strings.TrimSpace(u)
	if u == "" {
		return false
	}
	if _, ok := s.members[u]; ok {
		return true
	}

	tokens := strings.Fields(u)
	if len(tokens) > 2 {
		return false
	}
	for _, phrase := range s.phrases {
		if strings.Contains(u, phrase) {
			return true
		}
		for _, tok := range tokens {
			if strings.Contains(tok, phrase) {
				return true
			}
		}
	}
	return false
}

// Phrases returns the normalized member phrases, primarily for logging and
// configuration echo.
func (s *BackchannelSet) Phrases() []string {
	out := make([]string, len(s.phrases))
	copy(out, s.phrases)
	return out
}
