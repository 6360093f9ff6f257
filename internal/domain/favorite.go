package domain

// FavoriteLink marks an instrument as favorited by a user.
// Presence of the link means "favorited"; there is no update, only
// create and delete.
type FavoriteLink struct {
	UserID       string `json:"user_id"`
	InstrumentID string `json:"instrument_id"`
}
