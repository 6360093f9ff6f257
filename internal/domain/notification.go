package domain

import "fmt"

// Notification is an ephemeral user-facing message. It is appended to the
// in-memory display log and never persisted.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// String returns a human-readable string representation.
func (n *Notification) String() string {
	return fmt.Sprintf("%s: %s", n.Title, n.Body)
}
