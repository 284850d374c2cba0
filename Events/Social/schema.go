package social

import (
	"errors"
	"time"
)

var (
	ErrSelfFollow        = errors.New("you cannot follow yourself")
	ErrReactionConflict  = errors.New("like and unlike cannot both be set")
	ErrReactionUnchanged = errors.New("reaction unchanged")
)

// ProfileSummary is the short author card attached to follows and comments.
type ProfileSummary struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	ProfileImage string `json:"profile_image"`
}

type FollowEntry struct {
	Profile    ProfileSummary `json:"profile"`
	FollowedAt time.Time      `json:"followed_at"`
}

// ReactionState is the like/unlike pair one profile holds on one post.
type ReactionState struct {
	Liked   bool `json:"like"`
	Unliked bool `json:"unlike"`
}

// ReactionDelta returns the counter changes for moving from prev to next.
// Setting both flags or resubmitting the stored pair is rejected.
func ReactionDelta(prev, next ReactionState) (likes, unlikes int, err error) {
	if next.Liked && next.Unliked {
		return 0, 0, ErrReactionConflict
	}
	if prev == next {
		return 0, 0, ErrReactionUnchanged
	}
	return boolToInt(next.Liked) - boolToInt(prev.Liked), boolToInt(next.Unliked) - boolToInt(prev.Unliked), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type Reaction struct {
	Profile   ProfileSummary `json:"profile"`
	Liked     bool           `json:"like"`
	Unliked   bool           `json:"unlike"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Comment struct {
	ID        string         `json:"id"`
	PostID    string         `json:"post_id"`
	Author    ProfileSummary `json:"author"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

type Share struct {
	ID        int64     `json:"id"`
	PostID    string    `json:"post_id"`
	ProfileID string    `json:"profile_id"`
	Caption   string    `json:"caption"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is the live counter snapshot pushed to a post's owner.
type Insight struct {
	PostID   string `json:"post_id"`
	Likes    int    `json:"likes"`
	Unlikes  int    `json:"unlikes"`
	Comments int    `json:"comments"`
	Shares   int    `json:"shares"`
	Views    int    `json:"views"`
}

const MaxCommentLength = 1000
