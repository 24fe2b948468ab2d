package encryption

import (
	"fmt"

	"confidential-choice/models"
)

// Domain is a bounded integer encryption domain.
type Domain struct {
	Name     string
	Method   string // capability builder method for the domain
	Bits     uint
	TypeCode uint8 // stored in byte 30 of every handle of this domain
}

// Uint32 is the 32-bit unsigned domain used for choices.
var Uint32 = Domain{Name: "euint32", Method: "add32", Bits: 32, TypeCode: 4}

var domainsByName = map[string]Domain{
	Uint32.Name: Uint32,
}

var domainsByType = map[uint8]Domain{
	Uint32.TypeCode: Uint32,
}

var operationDomains = map[models.OperationKind]Domain{
	models.OpSubmit: Uint32,
	models.OpUpdate: Uint32,
}

// DomainFor returns the encryption domain of the value carried by kind.
func DomainFor(kind models.OperationKind) (Domain, error) {
	d, ok := operationDomains[kind]
	if !ok {
		return Domain{}, fmt.Errorf("no encryption domain for operation %s", kind)
	}
	return d, nil
}

// LookupDomain returns the domain registered under name.
func LookupDomain(name string) (Domain, error) {
	d, ok := domainsByName[name]
	if !ok {
		return Domain{}, fmt.Errorf("unknown encryption domain %q", name)
	}
	return d, nil
}

// DomainOf returns the domain a handle was produced in.
func DomainOf(h models.Handle) (Domain, bool) {
	d, ok := domainsByType[h.Type()]
	return d, ok
}

// Max returns the largest value representable in the domain.
func (d Domain) Max() uint64 {
	if d.Bits >= 64 {
		return ^uint64(0)
	}
	return 1<<d.Bits - 1
}

func (d Domain) Contains(v uint64) bool {
	return v <= d.Max()
}
