package hub

import (
	"context"
	"regexp"
)

// HandlerFunc processes a routed message and returns its result.
type HandlerFunc func(ctx context.Context, msg *Message) (interface{}, error)

// Pattern decides whether a route applies to a message. Exactly one of the
// three forms is set.
type Pattern struct {
	literal   string
	regex     *regexp.Regexp
	predicate func(msg *Message) bool
}

// Literal matches when the message type or route equals value.
func Literal(value string) Pattern {
	return Pattern{literal: value}
}

// Regex matches when the expression matches the message's stable JSON
// serialization.
func Regex(re *regexp.Regexp) Pattern {
	return Pattern{regex: re}
}

// Predicate matches when fn returns true for the message.
func Predicate(fn func(msg *Message) bool) Pattern {
	return Pattern{predicate: fn}
}

// Matches reports whether the pattern applies to msg.
func (p Pattern) Matches(msg *Message) bool {
	switch {
	case p.predicate != nil:
		return p.predicate(msg)
	case p.regex != nil:
		return p.regex.MatchString(msg.StableJSON())
	default:
		return p.literal != "" && (msg.Type == p.literal || msg.Route == p.literal)
	}
}

// Route binds a pattern to a handler at a priority. Higher priority routes
// are evaluated first; ties keep insertion order.
type Route struct {
	ID          string
	Pattern     Pattern
	Handler     HandlerFunc
	Blocking    bool
	Priority    int
	Description string

	seq uint64 // insertion order for stable tie-breaks
}
