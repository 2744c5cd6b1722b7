package core

import "github.com/pkg/errors"

var (
	ErrUnknownBuildType = errors.New("unknown build type")
	ErrNoVCSTrigger     = errors.New("build type has no vcs trigger")
	ErrBranchNotTracked = errors.New("ref is not tracked by the vcs root")
	ErrDuplicateChange  = errors.New("change already queued")
	ErrQueueFull        = errors.New("build queue is full")
	ErrTimeout          = errors.New("execution timeout")
)
