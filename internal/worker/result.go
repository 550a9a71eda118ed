package worker

import "fmt"

// Kind is the terminal state of one processed entry.
type Kind int

const (
	KindAcked Kind = iota
	KindRetry
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAcked:
		return "acked"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result tells the worker how to settle the entry it holds.
// Retry is a recoverable signal; Fatal is anything unclassified.
type Result struct {
	Kind   Kind
	Reason string
}

func Acked() Result { return Result{Kind: KindAcked} }

func Retry(reason string) Result { return Result{Kind: KindRetry, Reason: reason} }

func Fatal(reason string) Result { return Result{Kind: KindFatal, Reason: reason} }

func (r Result) String() string {
	if r.Reason == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Reason
}
