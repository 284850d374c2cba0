package posts

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	Utils "zuum/Utils"
)

// Kind selects one of the media pipelines. All kinds share one table.
type Kind string

const (
	KindAudio Kind = "audio"
	KindBeat  Kind = "beat"
	KindVideo Kind = "video"
)

// Post statuses
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
)

var ErrUnknownKind = errors.New("kind must be one of audio, beat, video")

// ErrOpenPurchases blocks deleting a beat that buyers have paid for, or are
// paying for, until the download has been delivered.
var ErrOpenPurchases = errors.New("post has purchases awaiting payment or delivery")

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindAudio:
		return KindAudio, nil
	case KindBeat:
		return KindBeat, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", ErrUnknownKind
}

// MediaKey is the object key the client uploads the media file to.
func (k Kind) MediaKey(postID string) string {
	return fmt.Sprintf("%s/%s", k.folder(), postID)
}

// CoverKey is the object key of the cover image.
func (k Kind) CoverKey(postID string) string {
	return fmt.Sprintf("covers/%s/%s.jpg", k, postID)
}

func (k Kind) folder() string {
	switch k {
	case KindBeat:
		return "beats"
	case KindVideo:
		return "videos"
	default:
		return "audio"
	}
}

type Post struct {
	ID            string           `json:"id"`
	Kind          Kind             `json:"kind"`
	ProfileID     string           `json:"profile_id"`
	Username      string           `json:"username"`
	ProfileImage  string           `json:"profile_image"`
	Caption       string           `json:"caption"`
	Description   string           `json:"description"`
	Genre         string           `json:"genre"`
	Tags          []string         `json:"tags"`
	MediaKey      string           `json:"-"`
	CoverKey      string           `json:"-"`
	MediaURL      string           `json:"media_url"`
	CoverURL      string           `json:"cover_url"`
	Status        string           `json:"status"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Likes         int              `json:"likes"`
	Unlikes       int              `json:"unlikes"`
	Comments      int              `json:"comments"`
	Shares        int              `json:"shares"`
	Views         int              `json:"views"`
	PromotedUntil *time.Time       `json:"promoted_until,omitempty"`
	Promoted      bool             `json:"promoted"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PostColumns selects a post with its author from `posts p JOIN profiles pr`.
const PostColumns = `p.id, p.kind, p.profile_id, pr.username, pr.profile_image, p.caption, p.description,
	p.genre, p.tags, p.media_key, p.cover_key, p.media_url, p.cover_url, p.status, p.price,
	p.likes, p.unlikes, p.comments, p.shares, p.views, p.promoted_until, p.created_at, p.updated_at`

const postFrom = `FROM posts p JOIN profiles pr ON pr.id = p.profile_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanPost reads one row selected with PostColumns.
func ScanPost(row rowScanner) (*Post, error) {
	var p Post
	var kind string
	var tags pq.StringArray
	var price decimal.NullDecimal
	var promotedUntil sql.NullTime
	if err := row.Scan(
		&p.ID, &kind, &p.ProfileID, &p.Username, &p.ProfileImage, &p.Caption, &p.Description,
		&p.Genre, &tags, &p.MediaKey, &p.CoverKey, &p.MediaURL, &p.CoverURL, &p.Status, &price,
		&p.Likes, &p.Unlikes, &p.Comments, &p.Shares, &p.Views, &promotedUntil, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Kind = Kind(kind)
	p.Tags = []string(tags)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if price.Valid {
		d := price.Decimal
		p.Price = &d
	}
	if promotedUntil.Valid {
		t := promotedUntil.Time
		p.PromotedUntil = &t
		p.Promoted = t.After(time.Now())
	}
	return &p, nil
}

const (
	MaxCaptionLength     = 500
	MaxDescriptionLength = 5000
	MaxTags              = 10
	MaxTagLength         = 40
)

// PostInput is the create/update payload. Nil fields are left unchanged on update.
type PostInput struct {
	Caption     *string          `json:"caption"`
	Description *string          `json:"description"`
	Genre       *string          `json:"genre"`
	Tags        []string         `json:"tags"`
	Price       *decimal.Decimal `json:"price"`
}

// Validate checks the payload for kind. creating requires the fields a new post needs.
func (in *PostInput) Validate(kind Kind, creating bool) []Utils.FieldError {
	var errs []Utils.FieldError
	if in.Caption != nil {
		caption := strings.TrimSpace(*in.Caption)
		if caption == "" {
			errs = append(errs, Utils.FieldError{Field: "caption", Message: "caption cannot be empty"})
		} else if len(caption) > MaxCaptionLength {
			errs = append(errs, Utils.FieldError{Field: "caption", Message: fmt.Sprintf("caption must be at most %d characters", MaxCaptionLength)})
		}
	} else if creating {
		errs = append(errs, Utils.FieldError{Field: "caption", Message: "caption is required"})
	}

	if in.Description != nil && len(*in.Description) > MaxDescriptionLength {
		errs = append(errs, Utils.FieldError{Field: "description", Message: fmt.Sprintf("description must be at most %d characters", MaxDescriptionLength)})
	}

	if len(in.Tags) > MaxTags {
		errs = append(errs, Utils.FieldError{Field: "tags", Message: fmt.Sprintf("at most %d tags are allowed", MaxTags)})
	}
	for _, tag := range in.Tags {
		if strings.TrimSpace(tag) == "" || len(tag) > MaxTagLength {
			errs = append(errs, Utils.FieldError{Field: "tags", Message: fmt.Sprintf("tags must be 1 to %d characters", MaxTagLength)})
			break
		}
	}

	switch {
	case kind == KindBeat && in.Price != nil && !in.Price.IsPositive():
		errs = append(errs, Utils.FieldError{Field: "price", Message: "price must be greater than zero"})
	case kind == KindBeat && in.Price == nil && creating:
		errs = append(errs, Utils.FieldError{Field: "price", Message: "price is required for beats"})
	case kind != KindBeat && in.Price != nil:
		errs = append(errs, Utils.FieldError{Field: "price", Message: "only beats can be priced"})
	}
	return errs
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
