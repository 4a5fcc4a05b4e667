// Package voice maps a session's language and age group to the synthesized
// voice used by the remote speech API. Pure lookup, no I/O.
package voice

import "strings"

type Profile struct {
	VoiceID     string
	Description string
}

// Per-language default, used when an age group has no dedicated entry.
var defaults = map[string]Profile{
	"en": {VoiceID: "sage", Description: "warm, clear English voice"},
	"es": {VoiceID: "coral", Description: "friendly Spanish voice"},
	"fr": {VoiceID: "ballad", Description: "gentle French voice"},
}

var profiles = map[string]map[string]Profile{
	"en": {
		"k-2":  {VoiceID: "coral", Description: "bright, slow-paced English voice for early readers"},
		"3-5":  {VoiceID: "sage", Description: "warm English voice for grades 3-5"},
		"6-8":  {VoiceID: "alloy", Description: "neutral English voice for middle school"},
		"9-12": {VoiceID: "echo", Description: "conversational English voice for high school"},
	},
	"es": {
		"k-2":  {VoiceID: "shimmer", Description: "bright, slow-paced Spanish voice for early readers"},
		"3-5":  {VoiceID: "coral", Description: "friendly Spanish voice for grades 3-5"},
		"6-8":  {VoiceID: "sage", Description: "neutral Spanish voice for middle school"},
		"9-12": {VoiceID: "verse", Description: "conversational Spanish voice for high school"},
	},
	"fr": {
		"k-2":  {VoiceID: "coral", Description: "bright, slow-paced French voice for early readers"},
		"3-5":  {VoiceID: "ballad", Description: "gentle French voice for grades 3-5"},
		"6-8":  {VoiceID: "sage", Description: "neutral French voice for middle school"},
		"9-12": {VoiceID: "ash", Description: "conversational French voice for high school"},
	},
}

// Resolve is total over the supported cross-product: every (language, ageGroup)
// pair yields a voice, falling back to the language default and finally to
// English. Input validation is the caller's job.
func Resolve(language, ageGroup string) Profile {
	lang := strings.ToLower(strings.TrimSpace(language))
	age := strings.ToLower(strings.TrimSpace(ageGroup))

	if byAge, ok := profiles[lang]; ok {
		if p, ok := byAge[age]; ok {
			return p
		}
	}
	if d, ok := defaults[lang]; ok {
		return d
	}
	return defaults["en"]
}
