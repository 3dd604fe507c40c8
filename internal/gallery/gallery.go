// Package gallery holds enrolled identities and the nearest-neighbour matcher
// that compares a query embedding against them.
package gallery

import "context"

// Profile holds the display attributes of an enrolled identity.
type Profile struct {
	Name       string `json:"name"`
	RollNumber string `json:"rollNumber"`
	Branch     string `json:"branch"`
	Year       string `json:"year"`
	Email      string `json:"email"`
}

// Identity is an enrolled person and their templates.
type Identity struct {
	ID        string
	Profile   Profile
	Templates [][]float64
	// Malformed counts templates the store could not decode (for example
	// non-numeric components). They never reach Templates.
	Malformed int
}

// Source reads the full gallery. Implementations must return current data on
// every call.
type Source interface {
	Identities(ctx context.Context) ([]Identity, error)
}

// Revisioner is implemented by sources that can cheaply report a token that
// changes whenever the gallery changes.
type Revisioner interface {
	Revision(ctx context.Context) (string, error)
}
