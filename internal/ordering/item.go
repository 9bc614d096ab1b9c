// Package ordering plans the key and container mutations needed to move a
// requirement, group or specification next to a reference item.
package ordering

import (
	"fmt"
	"strings"

	"reqorder/api/internal/orderkey"
)

type Kind string

const (
	KindRequirement   Kind = "requirement"
	KindGroup         Kind = "group"
	KindSpecification Kind = "specification"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindRequirement:
		return KindRequirement, nil
	case KindGroup:
		return KindGroup, nil
	case KindSpecification:
		return KindSpecification, nil
	default:
		return "", fmt.Errorf("unknown item kind %q", raw)
	}
}

type InsertKind int

const (
	InsertBefore InsertKind = iota
	InsertAfter
)

func ParseInsertKind(raw string) (InsertKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "before":
		return InsertBefore, nil
	case "after":
		return InsertAfter, nil
	default:
		return 0, fmt.Errorf("unknown insert kind %q", raw)
	}
}

func (k InsertKind) String() string {
	if k == InsertAfter {
		return "after"
	}
	return "before"
}

// KeySource is the persisted order value of one item.
type KeySource struct {
	ID       string `json:"id"`
	ItemID   string `json:"itemId"`
	Value    string `json:"value"`
	Owner    string `json:"owner"`
	Revision int64  `json:"revision"`
}

// Key decodes the stored value. A missing source or an unreadable value is
// Unordered.
func (s *KeySource) Key() orderkey.Key {
	if s == nil {
		return orderkey.Unordered
	}
	return orderkey.Parse(s.Value)
}

// Placement is the container an item lives in. GroupID is only set for
// requirements that belong to a group.
type Placement struct {
	ContainerID string `json:"containerId"`
	GroupID     string `json:"groupId,omitempty"`
}

type Item struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	ShortName   string     `json:"shortName"`
	Name        string     `json:"name,omitempty"`
	ContainerID string     `json:"containerId"`
	GroupID     string     `json:"groupId,omitempty"`
	Owner       string     `json:"owner"`
	Revision    int64      `json:"revision"`
	KeySource   *KeySource `json:"keySource,omitempty"`
}

func (i *Item) Key() orderkey.Key {
	return i.KeySource.Key()
}

func (i *Item) Placement() Placement {
	return Placement{ContainerID: i.ContainerID, GroupID: i.GroupID}
}

func (i *Item) clone() *Item {
	cp := *i
	if i.KeySource != nil {
		src := *i.KeySource
		cp.KeySource = &src
	}
	return &cp
}

// Permissions answers write checks for the caller of one planning run.
type Permissions interface {
	CanWrite(kind Kind, item *Item) bool
}

// AllowAll grants every write.
type AllowAll struct{}

func (AllowAll) CanWrite(Kind, *Item) bool { return true }

// DomainResolver returns the domain of expertise that owns key sources
// created in an iteration.
type DomainResolver interface {
	ResolveOwningDomain(iterationID string) (string, error)
}

type DomainResolverFunc func(iterationID string) (string, error)

func (f DomainResolverFunc) ResolveOwningDomain(iterationID string) (string, error) {
	return f(iterationID)
}
