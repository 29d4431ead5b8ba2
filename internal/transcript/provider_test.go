package transcript

import "testing"

func TestEstimateDurationSeconds(t *testing.T) {
	tests := []struct {
		words int
		want  int
	}{
		{0, 0},
		{-5, 0},
		{150, 60},
		{2000, 800},
		{75, 30},
	}
	for _, tt := range tests {
		if got := EstimateDurationSeconds(tt.words); got != tt.want {
			t.Errorf("EstimateDurationSeconds(%d) = %d, want %d", tt.words, got, tt.want)
		}
	}
}

func TestIsPermanentFailure(t *testing.T) {
	permanent := []string{
		"404: video unavailable",
		"Video Unavailable",
		"no subtitles for video abc",
		"failed validation: bad media",
		"corrupt STT response: unexpected EOF",
		"private video",
	}
	for _, r := range permanent {
		if !IsPermanentFailure(r) {
			t.Errorf("IsPermanentFailure(%q) = false, want true", r)
		}
	}
	transient := []string{
		"429: caption endpoint rate limited",
		"context deadline exceeded",
		"caption endpoint status 503",
		"",
	}
	for _, r := range transient {
		if IsPermanentFailure(r) {
			t.Errorf("IsPermanentFailure(%q) = true, want false", r)
		}
	}
}

func TestOutcomeConstructors(t *testing.T) {
	o := ok("hello world again", "en", true)
	if o.Kind != OutcomeOK || o.WordCount != 3 || !o.AutoGenerated || o.Language != "en" {
		t.Errorf("ok() = %+v", o)
	}
	if na := notAvailable("gone"); na.Kind != OutcomeNotAvailable || na.Reason != "gone" {
		t.Errorf("notAvailable() = %+v", na)
	}
	if tr := transient("busy"); tr.Kind != OutcomeTransient || tr.Reason != "busy" {
		t.Errorf("transient() = %+v", tr)
	}
}

func TestPickTrack(t *testing.T) {
	tests := []struct {
		name   string
		tracks []captionTrack
		want   captionTrack
	}{
		{
			"manual_over_asr",
			[]captionTrack{{LangCode: "en", Kind: "asr"}, {LangCode: "en"}},
			captionTrack{LangCode: "en"},
		},
		{
			"english_over_other",
			[]captionTrack{{LangCode: "de"}, {LangCode: "en"}},
			captionTrack{LangCode: "en"},
		},
		{
			"manual_german_beats_auto_english",
			[]captionTrack{{LangCode: "en", Kind: "asr"}, {LangCode: "de"}},
			captionTrack{LangCode: "de"},
		},
		{
			"en_variant_counts_as_english",
			[]captionTrack{{LangCode: "fr"}, {LangCode: "en-GB"}},
			captionTrack{LangCode: "en-GB"},
		},
		{
			"deterministic_fallback",
			[]captionTrack{{LangCode: "ja"}, {LangCode: "de"}},
			captionTrack{LangCode: "de"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickTrack(tt.tracks); got != tt.want {
				t.Errorf("pickTrack() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
