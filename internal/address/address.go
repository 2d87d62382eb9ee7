// Package address validates Direct addresses.
//
// A Direct address is an RFC 5322 addr-spec without display name. Only
// syntactic validity is checked; whether the address exists in a HISP
// directory is outside this package.
package address

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid direct address")

// Address is a validated Direct address.
type Address struct {
	local  string
	domain string
}

// Parse validates s and returns its normalized form. The domain is
// lower-cased; the local part keeps its case.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	if parsed.Name != "" || parsed.Address != s {
		return Address{}, fmt.Errorf("%w: %q: display names are not allowed", ErrInvalid, s)
	}
	at := strings.LastIndexByte(parsed.Address, '@')
	local, domain := parsed.Address[:at], strings.ToLower(parsed.Address[at+1:])
	if err := checkDomain(domain); err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return Address{local: local, domain: domain}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func checkDomain(domain string) error {
	if len(domain) > 253 {
		return errors.New("domain too long")
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return errors.New("domain must have at least two labels")
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("bad domain label %q", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("bad domain label %q", label)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("bad domain label %q", label)
			}
		}
	}
	return nil
}

// Local returns the part before the @.
func (a Address) Local() string { return a.local }

// Domain returns the lower-cased domain.
func (a Address) Domain() string { return a.domain }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.domain == "" }

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.local + "@" + a.domain
}

// Equal compares addresses with a case-insensitive local part.
func (a Address) Equal(b Address) bool {
	return a.domain == b.domain && strings.EqualFold(a.local, b.local)
}

// FileSafe returns a filesystem-safe name for the address, e.g.
// "bob@hospital.direct" becomes "bob_at_hospital_direct".
func (a Address) FileSafe() string {
	r := strings.NewReplacer("@", "_at_", ".", "_", "/", "_", "\\", "_")
	return r.Replace(strings.ToLower(a.String()))
}

// Registry holds the Direct domains this deployment may send from.
// The zero Registry accepts every domain.
type Registry struct {
	domains map[string]struct{}
}

// NewRegistry returns a registry of the given domains.
func NewRegistry(domains ...string) *Registry {
	r := &Registry{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			r.domains[d] = struct{}{}
		}
	}
	return r
}

// Allows reports whether a's domain is registered.
func (r *Registry) Allows(a Address) bool {
	if r == nil || len(r.domains) == 0 {
		return true
	}
	_, ok := r.domains[a.domain]
	return ok
}
