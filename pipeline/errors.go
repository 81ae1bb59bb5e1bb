package pipeline

import "errors"

var (
	// ErrUpstreamUnavailable means a required collaborator (document store or
	// model backend) is unreachable. No partial pipeline execution happens.
	ErrUpstreamUnavailable = errors.New("pipeline: upstream collaborator unavailable")

	// ErrAnswerGeneration means drafting the answer itself failed. Unlike the
	// earlier stages this is fatal for the request.
	ErrAnswerGeneration = errors.New("pipeline: answer generation failed")
)
