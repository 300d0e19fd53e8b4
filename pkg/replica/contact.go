package replica

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var ErrNoContact = errors.New("document holds no contact")

// Contact is the record edited by the interactive client.
type Contact struct {
	Name string `json:"name"`
}

// ReconcileContact writes c into the root of doc.
func ReconcileContact(doc *automerge.Doc, c Contact) error {
	if err := doc.Path("name").Set(c.Name); err != nil {
		return fmt.Errorf("failed to set name: %w", err)
	}
	return nil
}

// HydrateContact reads the contact stored at the root of doc.
func HydrateContact(doc *automerge.Doc) (Contact, error) {
	v, err := doc.Path("name").Get()
	if err != nil {
		return Contact{}, fmt.Errorf("failed to get name: %w", err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return Contact{}, ErrNoContact
	case automerge.KindStr:
		return Contact{Name: v.Str()}, nil
	default:
		return Contact{}, fmt.Errorf("name has unexpected kind %v", v.Kind())
	}
}
