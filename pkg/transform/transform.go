// Package transform implements the six packet transforms the pipeline can
// apply to a flow: fragment, resegment, padding, jitter, header
// normalization, and decoy. Each transform mutates the primary packet
// in place and may additionally emit extra packets through the flow
// Context it is given.
package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
)

// Outcome is what a transform did to the packet it was given.
type Outcome int

const (
	// Continue means the packet was left as-is (or modified in place
	// without fragmenting).
	Continue Outcome = iota
	// Fragmented means one or more additional packets were emitted
	// through the Context; the primary packet may have been shrunk
	// (fragment, resegment) or replaced by a decoy.
	Fragmented
	// Delay means the transform requested an inter-packet delay via
	// Context.RequestDelay.
	Delay
	// Drop means the packet (and anything queued to emit) should be
	// discarded.
	Drop
	// Skip means the remaining transforms in the rule should not run.
	Skip
	// Errored means the transform hit a recoverable failure; Message
	// carries the detail and the pipeline continues to the next
	// transform.
	Errored
)

// Result is the outcome of one Transform.Apply call.
type Result struct {
	Outcome Outcome
	Message string
}

func ContinueResult() Result   { return Result{Outcome: Continue} }
func FragmentedResult() Result { return Result{Outcome: Fragmented} }
func DelayResult() Result      { return Result{Outcome: Delay} }
func DropResult() Result       { return Result{Outcome: Drop} }
func SkipResult() Result       { return Result{Outcome: Skip} }
func ErroredResult(msg string) Result {
	return Result{Outcome: Errored, Message: msg}
}

// Transform mutates a flow's outgoing packet, optionally fragmenting,
// delaying, dropping, or emitting decoys. Implementations must be safe
// for concurrent use across goroutines — they hold only their own
// immutable params and read no shared mutable state.
type Transform interface {
	Name() string
	Apply(ctx *flow.Context, data *[]byte) (Result, error)
	IsEnabled(params config.TransformParams) bool
}

// CreateAll builds one instance of each of the six implemented
// transforms, configured from params. The returned slice is always
// length 6; Reorder has no implementation and is never included here —
// the pipeline looks it up by TransformType and skips it on miss like
// any other unregistered type.
func CreateAll(params config.TransformParams) []Transform {
	return []Transform{
		NewFragment(params.Fragment),
		NewResegment(params.Resegment),
		NewPadding(params.Padding),
		NewJitter(params.Jitter),
		NewHeaderNormalization(params.Header),
		NewDecoy(params.Decoy),
	}
}
