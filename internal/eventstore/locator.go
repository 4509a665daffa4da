package eventstore

import (
	"fmt"
	"strings"
)

// CollectionLocator maps an account to the collection holding its events.
type CollectionLocator interface {
	Collection(account string) string
}

// AccountLocator stores each account in its own collection named prefix_account.
type AccountLocator string

func (p AccountLocator) Collection(account string) string {
	if p == "" {
		return account
	}
	return string(p) + "_" + account
}

// JointLocator stores every account in one collection.
type JointLocator string

func (j JointLocator) Collection(string) string { return string(j) }

// ParseLocator reads "account:<prefix>" or "joint:<name>". Empty selects account:events.
func ParseLocator(s string) (CollectionLocator, error) {
	if s == "" {
		return AccountLocator("events"), nil
	}
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "account":
		return AccountLocator(arg), nil
	case "joint":
		if arg == "" {
			return nil, fmt.Errorf("eventstore: joint locator needs a collection name")
		}
		return JointLocator(arg), nil
	}
	return nil, fmt.Errorf("eventstore: unknown locator %q", s)
}
