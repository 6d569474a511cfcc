// Package id defines the TypeID identifiers of Tally records.
//
// A single ID struct serves every record kind; the prefix tells them apart:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41   mirrored subscription
//	ref_01h2xcejqtf2nbrexx3vqjhp41   referral
//	evt_01h2xcejqtf2nbrexx3vqjhp41   change-feed event
//
// Suffixes are UUIDv7, so IDs sort by creation time.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record kind encoded in an ID.
type Prefix string

const (
	PrefixSubscription Prefix = "sub"
	PrefixReferral     Prefix = "ref"
	PrefixEvent        Prefix = "evt"
)

// ID is a prefix-qualified TypeID. The zero value is Nil.
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID. It marshals to an empty string.
var Nil ID

// New generates an ID with the given prefix. It panics on an invalid
// prefix, which only the constants above can supply.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses any well-formed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

func parseKind(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != want {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", want, parsed.Prefix())
	}
	return parsed, nil
}

type (
	SubscriptionID = ID
	ReferralID     = ID
	EventID        = ID
)

func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewReferralID() ID     { return New(PrefixReferral) }
func NewEventID() ID        { return New(PrefixEvent) }

// ParseSubscriptionID parses s and requires the "sub" prefix.
func ParseSubscriptionID(s string) (ID, error) { return parseKind(s, PrefixSubscription) }

// ParseReferralID parses s and requires the "ref" prefix.
func ParseReferralID(s string) (ID, error) { return parseKind(s, PrefixReferral) }

// ParseEventID parses s and requires the "evt" prefix.
func ParseEventID(s string) (ID, error) { return parseKind(s, PrefixEvent) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the record kind, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
