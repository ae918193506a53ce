package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// Line handles LINE Messaging API webhooks. LINE has no subscription
// handshake, so this adapter deliberately does not implement
// ChallengeVerifier; deliveries are authenticated per request through the
// X-Line-Signature header.
type Line struct {
	cfg config.LinePlatform
	log *zap.Logger
}

func NewLine(cfg config.LinePlatform, log *zap.Logger) *Line {
	return &Line{cfg: cfg, log: log.Named("line")}
}

func (l *Line) Name() models.Platform { return models.PlatformLine }

// ─── Wire format ─────────────────────────────────────────────────────────────

type linePayload struct {
	Destination string      `json:"destination"`
	Events      []lineEvent `json:"events"`
}

type lineEvent struct {
	Type           string        `json:"type"`
	WebhookEventID string        `json:"webhookEventId"`
	Timestamp      int64         `json:"timestamp"` // ms epoch
	Source         lineSource    `json:"source"`
	Message        *lineMessage  `json:"message,omitempty"`
	Postback       *linePostback `json:"postback,omitempty"`
}

type lineSource struct {
	Type    string `json:"type"` // "user", "group", "room"
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

type lineMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePostback struct {
	Data string `json:"data"`
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

func (l *Line) ParseEvents(rawBody []byte, headers http.Header) ([]models.InboundEvent, error) {
	if !l.verifySignature(rawBody, headers.Get("X-Line-Signature")) {
		return nil, ErrSignature
	}

	var payload linePayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var events []models.InboundEvent
	for _, e := range payload.Events {
		ev, ok := l.normalize(e)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// verifySignature checks X-Line-Signature: base64 HMAC-SHA256 of the raw
// body keyed by the channel secret.
func (l *Line) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(l.cfg.ChannelSecret))
	mac.Write(body)
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(header))
}

func (l *Line) normalize(e lineEvent) (models.InboundEvent, bool) {
	ev := models.InboundEvent{
		Platform:       models.PlatformLine,
		SenderID:       e.Source.UserID,
		ConversationID: lineThreadKey(e.Source),
		Timestamp:      time.UnixMilli(e.Timestamp),
	}

	switch e.Type {
	case "message":
		if e.Message == nil {
			return ev, false
		}
		ev.Kind = models.EventMessage
		ev.EventID = e.Message.ID
		switch e.Message.Type {
		case "text":
			ev.Content.Text = e.Message.Text
		case "image", "video", "audio", "file", "sticker":
			// Content retrieval is a separate API call; keep the message id.
			ev.Content.Attachments = []models.Attachment{{Type: e.Message.Type, URL: e.Message.ID}}
		default:
			l.log.Debug("dropping unsupported message type", zap.String("type", e.Message.Type))
			return ev, false
		}

	case "postback":
		if e.Postback == nil {
			return ev, false
		}
		ev.Kind = models.EventPostback
		ev.EventID = e.WebhookEventID
		if ev.EventID == "" {
			ev.EventID = fmt.Sprintf("pb:%s:%d", e.Source.UserID, e.Timestamp)
		}
		ev.Content.Postback = &models.Postback{Payload: e.Postback.Data}

	default:
		// follow, unfollow, join, leave, beacon, ...
		l.log.Debug("dropping unsupported event type", zap.String("type", e.Type))
		return ev, false
	}

	if ev.EventID == "" || ev.SenderID == "" || ev.ConversationID == "" {
		l.log.Warn("dropping event with missing identifiers", zap.String("type", e.Type))
		return ev, false
	}
	return ev, true
}

// lineThreadKey picks the thread identifier: group or room id when the
// message came from a multi-party chat, the user id otherwise.
func lineThreadKey(s lineSource) string {
	switch s.Type {
	case "group":
		return s.GroupID
	case "room":
		return s.RoomID
	default:
		return s.UserID
	}
}
