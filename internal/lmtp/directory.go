package lmtp

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnknownRecipient is returned by a Directory for addresses it cannot map.
	ErrUnknownRecipient = errors.New("lmtp: unknown recipient")
	// ErrMailboxDisabled is returned for accounts that cannot take mail now.
	// The sender should try again later.
	ErrMailboxDisabled = errors.New("lmtp: mailbox disabled")
)

// AccountStatus gates delivery to a resolved account.
type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusMaintenance AccountStatus = "maintenance"
	StatusPending     AccountStatus = "pending"
	StatusClosed      AccountStatus = "closed"
)

// Directory maps a recipient address to an account id.
type Directory interface {
	Lookup(ctx context.Context, address string) (string, error)
}

// StaticDirectory is a fixed address to account map. Keys are matched
// case-insensitively.
type StaticDirectory map[string]string

// Lookup implements Directory.
func (d StaticDirectory) Lookup(_ context.Context, address string) (string, error) {
	addr := NormalizeAddress(address)
	for k, acct := range d {
		if strings.EqualFold(k, addr) {
			return acct, nil
		}
	}
	return "", ErrUnknownRecipient
}

// FallbackDirectory consults Static first. With AcceptAny set, any other
// address in one of Domains (or any domain when Domains is empty) maps to its
// local part.
type FallbackDirectory struct {
	Static    StaticDirectory
	AcceptAny bool
	Domains   []string
}

// Lookup implements Directory.
func (d FallbackDirectory) Lookup(ctx context.Context, address string) (string, error) {
	if acct, err := d.Static.Lookup(ctx, address); err == nil {
		return acct, nil
	}
	if !d.AcceptAny {
		return "", ErrUnknownRecipient
	}
	local, domain, ok := strings.Cut(NormalizeAddress(address), "@")
	if !ok || local == "" || domain == "" || strings.ContainsRune(local, '/') {
		return "", ErrUnknownRecipient
	}
	if len(d.Domains) == 0 {
		return local, nil
	}
	for _, dom := range d.Domains {
		if strings.EqualFold(dom, domain) {
			return local, nil
		}
	}
	return "", ErrUnknownRecipient
}

// StatusDirectory applies account status to the accounts Dir resolves.
// Accounts missing from Status are active.
type StatusDirectory struct {
	Dir    Directory
	Status map[string]AccountStatus
}

// Lookup implements Directory.
func (d StatusDirectory) Lookup(ctx context.Context, address string) (string, error) {
	acct, err := d.Dir.Lookup(ctx, address)
	if err != nil {
		return "", err
	}
	switch d.Status[acct] {
	case StatusMaintenance:
		return "", ErrMailboxDisabled
	case StatusPending, StatusClosed:
		return "", ErrUnknownRecipient
	}
	return acct, nil
}

// NormalizeAddress strips angle brackets and surrounding space and lower-cases
// the address.
func NormalizeAddress(address string) string {
	a := strings.TrimSpace(address)
	a = strings.TrimPrefix(a, "<")
	a = strings.TrimSuffix(a, ">")
	return strings.ToLower(strings.TrimSpace(a))
}
