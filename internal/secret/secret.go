// Package secret resolves an entered code against the user's overt and
// covert codes. Codes are only ever held as bcrypt hashes.
package secret

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Outcome is the closed result of resolving a code.
type Outcome int

const (
	Invalid Outcome = iota
	Overt
	Covert
)

func (o Outcome) String() string {
	switch o {
	case Overt:
		return "OVERT"
	case Covert:
		return "COVERT"
	}
	return "INVALID"
}

// Kind names one of the two codes.
type Kind string

const (
	KindOvert  Kind = "overt"
	KindCovert Kind = "covert"
)

// Code length policy.
const (
	MinLength = 4
	MaxLength = 6
)

// Validation failure reasons.
const (
	ReasonFormat  = "code must be 4 to 6 digits"
	ReasonSame    = "overt and covert codes must differ"
	ReasonCurrent = "current code does not match"
	ReasonKind    = "unknown code kind"
)

// ValidationError reports a rejected code. Check with errors.As.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return "invalid secret: " + e.Reason
	}
	return fmt.Sprintf("invalid %s code: %s", e.Kind, e.Reason)
}

// ErrCorruptHash is returned when a stored hash cannot be used.
var ErrCorruptHash = errors.New("stored secret hash is not a bcrypt hash")

// Stored is the persisted form of a Pair.
type Stored struct {
	OvertHash  string
	CovertHash string
}

// Pair is an immutable overt/covert code pair. Change returns a new Pair.
type Pair struct {
	overt  []byte
	covert []byte
	cost   int
}

// ValidateCode checks the length and digit policy.
func ValidateCode(code string) error {
	if len(code) < MinLength || len(code) > MaxLength {
		return &ValidationError{Reason: ReasonFormat}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return &ValidationError{Reason: ReasonFormat}
		}
	}
	return nil
}

// NewPair validates and hashes a new pair. A cost of 0 uses bcrypt.DefaultCost.
func NewPair(overt, covert string, cost int) (*Pair, error) {
	if err := ValidateCode(overt); err != nil {
		return nil, withKind(err, KindOvert)
	}
	if err := ValidateCode(covert); err != nil {
		return nil, withKind(err, KindCovert)
	}
	if overt == covert {
		return nil, &ValidationError{Reason: ReasonSame}
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	oh, err := bcrypt.GenerateFromPassword([]byte(overt), cost)
	if err != nil {
		return nil, fmt.Errorf("hash overt code: %w", err)
	}
	ch, err := bcrypt.GenerateFromPassword([]byte(covert), cost)
	if err != nil {
		return nil, fmt.Errorf("hash covert code: %w", err)
	}
	return &Pair{overt: oh, covert: ch, cost: cost}, nil
}

// FromStored rebuilds a Pair from its persisted hashes.
func FromStored(s Stored) (*Pair, error) {
	cost, err := bcrypt.Cost([]byte(s.OvertHash))
	if err != nil {
		return nil, fmt.Errorf("overt: %w", ErrCorruptHash)
	}
	if _, err := bcrypt.Cost([]byte(s.CovertHash)); err != nil {
		return nil, fmt.Errorf("covert: %w", ErrCorruptHash)
	}
	return &Pair{overt: []byte(s.OvertHash), covert: []byte(s.CovertHash), cost: cost}, nil
}

// Stored returns the persisted form.
func (p *Pair) Stored() Stored {
	return Stored{OvertHash: string(p.overt), CovertHash: string(p.covert)}
}

// Resolve maps code to Overt, Covert or Invalid. Both hashes are always
// compared so every outcome costs the same.
func (p *Pair) Resolve(code string) Outcome {
	isOvert := bcrypt.CompareHashAndPassword(p.overt, []byte(code)) == nil
	isCovert := bcrypt.CompareHashAndPassword(p.covert, []byte(code)) == nil
	switch {
	case isOvert:
		return Overt
	case isCovert:
		return Covert
	}
	return Invalid
}

// IsOvert reports whether code is the overt code.
func (p *Pair) IsOvert(code string) bool {
	return p.Resolve(code) == Overt
}

// Change replaces one code. current must match the code being replaced, and
// next must satisfy the policy and differ from the other code.
func (p *Pair) Change(kind Kind, current, next string) (*Pair, error) {
	var mine, other []byte
	switch kind {
	case KindOvert:
		mine, other = p.overt, p.covert
	case KindCovert:
		mine, other = p.covert, p.overt
	default:
		return nil, &ValidationError{Kind: kind, Reason: ReasonKind}
	}
	if bcrypt.CompareHashAndPassword(mine, []byte(current)) != nil {
		return nil, &ValidationError{Kind: kind, Reason: ReasonCurrent}
	}
	if err := ValidateCode(next); err != nil {
		return nil, withKind(err, kind)
	}
	if bcrypt.CompareHashAndPassword(other, []byte(next)) == nil {
		return nil, &ValidationError{Kind: kind, Reason: ReasonSame}
	}
	h, err := bcrypt.GenerateFromPassword([]byte(next), p.cost)
	if err != nil {
		return nil, fmt.Errorf("hash %s code: %w", kind, err)
	}
	out := &Pair{overt: p.overt, covert: p.covert, cost: p.cost}
	if kind == KindOvert {
		out.overt = h
	} else {
		out.covert = h
	}
	return out, nil
}

func withKind(err error, kind Kind) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Kind: kind, Reason: ve.Reason}
	}
	return err
}
