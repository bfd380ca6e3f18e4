// Package policy decides which topics a session may subscribe or publish to.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDenied is returned when an intent is not allowed.
var ErrDenied = errors.New("denied by topic policy")

// Authorizer is consulted before a subscribe or publish intent takes effect.
type Authorizer interface {
	CanSubscribe(topic string) error
	CanPublish(topic string) error
}

// AllowAll permits every intent.
type AllowAll struct{}

func (AllowAll) CanSubscribe(string) error { return nil }
func (AllowAll) CanPublish(string) error { return nil }

// Rules is a topic allow-list. A pattern is an exact topic name, "*" for
// every topic, or a prefix ending in "*" such as "sensors.*".
type Rules struct {
	Subscribe []string `yaml:"subscribe"`
	Publish   []string `yaml:"publish"`
}

// CanSubscribe implements Authorizer.
func (r Rules) CanSubscribe(topic string) error {
	if matchAny(r.Subscribe, topic) {
		return nil
	}
	return fmt.Errorf("%w: subscribe to %q", ErrDenied, topic)
}

// CanPublish implements Authorizer.
func (r Rules) CanPublish(topic string) error {
	if matchAny(r.Publish, topic) {
		return nil
	}
	return fmt.Errorf("%w: publish to %q", ErrDenied, topic)
}

func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if match(p, topic) {
			return true
		}
	}
	return false
}

func match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
