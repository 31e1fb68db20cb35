package model

import "time"

// User is an account bound to one upstream catalogue. Credential holds the
// user's upstream session cookie, encrypted at rest; callers must decrypt it
// before issuing upstream calls.
type User struct {
	ID         int64
	Source     Source
	UpstreamID string
	Nickname   string
	Avatar     string
	VIPType    int
	Credential string
	Token      string
	CreatedAt  time.Time
	LastLogin  time.Time
}

// PlayLog records one playback start (first segment of a track served).
type PlayLog struct {
	UserID     int64
	PlaylistID string
	TrackID    string
	TrackName  string
	Artist     string
	PlayedAt   time.Time
}
