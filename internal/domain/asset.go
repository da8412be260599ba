package domain

import "time"

// Asset is a media item that can be published to every target once.
type Asset struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category,omitempty"`
	Topics      []string `json:"topics,omitempty"`

	// Published maps a target to the time the asset was published there.
	Published map[Target]time.Time `json:"published,omitempty"`
	AddedAt   time.Time            `json:"added_at"`
}

// IsPublished reports whether the asset already went out on t.
func (a Asset) IsPublished(t Target) bool {
	_, ok := a.Published[t]
	return ok
}

// MarkPublished flips the published flag for t. Marking an already published
// asset is a no-op and keeps the first timestamp; it reports whether anything
// changed.
func (a *Asset) MarkPublished(t Target, at time.Time) bool {
	if a.IsPublished(t) {
		return false
	}
	if a.Published == nil {
		a.Published = map[Target]time.Time{}
	}
	a.Published[t] = at
	return true
}
