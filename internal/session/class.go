package session

import (
	"fmt"
	"strings"
)

// Kind identifies the account type a listen key belongs to.
type Kind int

const (
	KindUser Kind = iota
	KindMargin
	KindIsolatedMargin
	KindFutures
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindMargin:
		return "margin"
	case KindIsolatedMargin:
		return "isolated"
	case KindFutures:
		return "futures"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Class is one session slot. Symbol is set only for isolated margin.
// Class is comparable and used as a map key.
type Class struct {
	Kind   Kind
	Symbol string
}

var (
	User    = Class{Kind: KindUser}
	Margin  = Class{Kind: KindMargin}
	Futures = Class{Kind: KindFutures}
)

// IsolatedMargin returns the class for one isolated margin symbol.
func IsolatedMargin(symbol string) Class {
	return Class{Kind: KindIsolatedMargin, Symbol: strings.ToUpper(symbol)}
}

func (c Class) String() string {
	if c.Kind == KindIsolatedMargin {
		return "isolated:" + c.Symbol
	}
	return c.Kind.String()
}

// ParseClass parses "user", "margin", "futures" or "isolated:<SYMBOL>".
func ParseClass(s string) (Class, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "user":
		return User, nil
	case "margin":
		return Margin, nil
	case "futures":
		return Futures, nil
	}
	if sym, ok := strings.CutPrefix(s, "isolated:"); ok {
		if sym == "" {
			return Class{}, fmt.Errorf("isolated session class needs a symbol: %q", s)
		}
		return IsolatedMargin(sym), nil
	}
	return Class{}, fmt.Errorf("unknown session class %q", s)
}

// ParseClasses parses a list of class names, rejecting duplicates.
func ParseClasses(names []string) ([]Class, error) {
	out := make([]Class, 0, len(names))
	seen := make(map[Class]bool, len(names))
	for _, n := range names {
		c, err := ParseClass(n)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate session class %s", c)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}
