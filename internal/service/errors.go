package service

import "errors"

var (
	ErrNoUserMessage     = errors.New("no user message in request")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrStreamingInternal = errors.New("streaming internal error")
)
