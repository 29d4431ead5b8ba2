package transcript

import (
	"context"
	"regexp"
)

var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Router dispatches acquisition per episode: caption fetch for YouTube
// video ids, speech-to-text for everything else carrying an audio URL.
// Like the clients it wraps, a Router belongs to one worker.
type Router struct {
	captions Acquirer
	stt      Acquirer
}

func NewRouter(captions, stt Acquirer) *Router {
	return &Router{captions: captions, stt: stt}
}

func (r *Router) Acquire(ctx context.Context, req Request) Outcome {
	if youtubeIDPattern.MatchString(req.EpisodeGUID) {
		return r.captions.Acquire(ctx, req)
	}
	if req.ContentURL != "" {
		return r.stt.Acquire(ctx, req)
	}
	return notAvailable("no subtitles: episode has neither a video id nor an audio URL")
}
