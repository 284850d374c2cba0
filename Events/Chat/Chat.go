package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	Social "zuum/Events/Social"
	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Realtime "zuum/Services/Realtime"
	Utils "zuum/Utils"
)

// Socket events
const (
	EventJoinChat       = "joinChat"
	EventSendMessage    = "sendMessage"
	EventFetchMessages  = "fetchMessages"
	EventViews          = "views"
	EventReceiveMessage = "receiveMessage"
	EventRecentMessages = "recentMessages"
	EventJoined         = "joined"
)

const (
	MaxMessageLength = 2000
	frameTimeout     = 10 * time.Second
)

var (
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = fmt.Errorf("message cannot exceed %d characters", MaxMessageLength)
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrMessageToSelf     = errors.New("you cannot message yourself")
)

var (
	GetClaims       = Auth.GetClaims
	GetSocketClaims = Auth.GetSocketClaims
	recordView      = Social.RecordView
)

type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

type Conversation struct {
	ProfileID    string   `json:"profile_id"`
	Username     string   `json:"username"`
	DisplayName  string   `json:"display_name"`
	ProfileImage string   `json:"profile_image"`
	LastMessage  *Message `json:"last_message"`
	Unread       int      `json:"unread"`
}

// Handle sets up the REST routes for message history
func Handle(r chi.Router) {
	r.Get("/conversations", ListConversations)
	r.Get("/{profileID}", History)
}

// ValidateMessage trims text and checks its length.
func ValidateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// SaveMessage persists a direct message. The recipient must be an active profile.
func SaveMessage(ctx context.Context, from, to, text string) (*Message, error) {
	if from == to {
		return nil, ErrMessageToSelf
	}
	text, err := ValidateMessage(text)
	if err != nil {
		return nil, err
	}

	m := Message{SenderID: from, ReceiverID: to, Content: text}
	err = Mdb.DB.QueryRowContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, content)
		SELECT $1, p.id, $3 FROM profiles p JOIN users u ON u.id = p.user_id
		WHERE p.id = $2 AND NOT u.deactivated
		RETURNING id, is_read, created_at`,
		from, to, text,
	).Scan(&m.ID, &m.IsRead, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("SaveMessage: %w", err)
	}
	return &m, nil
}

// FetchMessages returns up to limit messages between two profiles older than
// beforeID (0 for the newest), newest first, and marks the incoming ones read.
func FetchMessages(ctx context.Context, self, other string, limit int, beforeID int64) ([]Message, error) {
	if limit <= 0 || limit > Utils.MaxPageLimit {
		limit = Utils.DefaultPageLimit
	}

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, content, is_read, created_at
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			AND ($3 = 0 OR id < $3)
		ORDER BY id DESC
		LIMIT $4`,
		self, other, beforeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("FetchMessages: query: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("FetchMessages: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchMessages: rows: %w", err)
	}

	if _, err := Mdb.DB.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE sender_id = $2 AND receiver_id = $1 AND NOT is_read`,
		self, other,
	); err != nil {
		log.Printf("FetchMessages: failed to mark read: %v", err)
	}
	return messages, nil
}

// ServeSocket upgrades an authenticated request. The socket joins its own
// profile room immediately so notifications reach it before joinChat.
func ServeSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetSocketClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	client, err := Realtime.Default.Upgrade(w, r, claims.ProfileID)
	if err != nil {
		log.Printf("ServeSocket: upgrade failed for %s: %v", claims.ProfileID, err)
		return
	}
	Realtime.Default.Join(client, claims.ProfileID)
	client.Serve(handleFrame)
}

func handleFrame(c *Realtime.Client, frame Realtime.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch frame.Event {
	case EventJoinChat:
		var data struct {
			ProfileID string `json:"profile_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.ProfileID != c.ProfileID {
			c.SendError("you can only join your own chat")
			return
		}
		Realtime.Default.Join(c, c.ProfileID)
		c.Send(EventJoined, map[string]string{"profile_id": c.ProfileID})

	case EventSendMessage:
		var data struct {
			To   string `json:"to"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.To == "" {
			c.SendError("sendMessage requires to and text")
			return
		}
		m, err := SaveMessage(ctx, c.ProfileID, data.To, data.Text)
		if err != nil {
			if !isClientError(err) {
				log.Printf("handleFrame: failed to save message: %v", err)
				c.SendError("failed to send message")
				return
			}
			c.SendError(err.Error())
			return
		}
		Realtime.Default.Emit(m.ReceiverID, EventReceiveMessage, m)
		Realtime.Default.Emit(m.SenderID, EventReceiveMessage, m)

	case EventFetchMessages:
		var data struct {
			With   string `json:"with"`
			Limit  int    `json:"limit"`
			Before int64  `json:"before"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.With == "" {
			c.SendError("fetchMessages requires with")
			return
		}
		messages, err := FetchMessages(ctx, c.ProfileID, data.With, data.Limit, data.Before)
		if err != nil {
			log.Printf("handleFrame: %v", err)
			c.SendError("failed to fetch messages")
			return
		}
		c.Send(EventRecentMessages, map[string]interface{}{
			"with":     data.With,
			"messages": messages,
		})

	case EventViews:
		var data struct {
			PostID string `json:"post_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.PostID == "" {
			c.SendError("views requires post_id")
			return
		}
		insight, ownerID, err := recordView(ctx, data.PostID)
		if errors.Is(err, Social.ErrPostNotFound) {
			c.SendError(err.Error())
			return
		}
		if err != nil {
			log.Printf("handleFrame: %v", err)
			c.SendError("failed to record view")
			return
		}
		Realtime.Default.Emit(ownerID, Social.InsightEvent, insight)

	default:
		c.SendError("unknown event " + strconv.Quote(frame.Event))
	}
}

func isClientError(err error) bool {
	return errors.Is(err, ErrEmptyMessage) || errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrRecipientNotFound) || errors.Is(err, ErrMessageToSelf)
}

// History returns the caller's messages with one profile, newest first
// Query params: ?limit=20&before=<message id>
func History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	other := chi.URLParam(r, "profileID")
	limit, _ := Utils.ParsePagination(r)
	var before int64
	if s := r.URL.Query().Get("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			Utils.SendErrorResponse(w, http.StatusBadRequest, "before must be a message id")
			return
		}
		before = v
	}

	messages, err := FetchMessages(ctx, claims.ProfileID, other, limit, before)
	if err != nil {
		log.Printf("History: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"with":     other,
		"messages": messages,
		"limit":    limit,
	})
}

// ListConversations returns the caller's latest message per counterpart
func ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, offset := Utils.ParsePagination(r)

	rows, err := Mdb.DB.QueryContext(ctx,
		`WITH mine AS (
			SELECT m.*, CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END AS other_id
			FROM messages m WHERE m.sender_id = $1 OR m.receiver_id = $1
		), latest AS (
			SELECT DISTINCT ON (other_id) other_id, id, sender_id, receiver_id, content, is_read, created_at,
				COUNT(*) FILTER (WHERE receiver_id = $1 AND NOT is_read) OVER (PARTITION BY other_id) AS unread
			FROM mine
			ORDER BY other_id, id DESC
		)
		SELECT l.other_id, p.username, p.display_name, p.profile_image,
			l.id, l.sender_id, l.receiver_id, l.content, l.is_read, l.created_at, l.unread
		FROM latest l JOIN profiles p ON p.id = l.other_id
		ORDER BY l.id DESC
		LIMIT $2 OFFSET $3`,
		claims.ProfileID, limit, offset,
	)
	if err != nil {
		log.Printf("ListConversations: failed to query conversations: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	defer rows.Close()

	items := []Conversation{}
	for rows.Next() {
		var c Conversation
		var m Message
		if err := rows.Scan(&c.ProfileID, &c.Username, &c.DisplayName, &c.ProfileImage,
			&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt, &c.Unread); err != nil {
			log.Printf("ListConversations: failed to scan conversation: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch conversations")
			return
		}
		c.LastMessage = &m
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListConversations: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"conversations": items,
		"limit":         limit,
		"offset":        offset,
	})
}
