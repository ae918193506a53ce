package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// Facebook handles Messenger Platform webhooks. A page subscription delivers
// batches of entries, each carrying one or more messaging events.
type Facebook struct {
	cfg config.MetaPlatform
	log *zap.Logger
}

func NewFacebook(cfg config.MetaPlatform, log *zap.Logger) *Facebook {
	return &Facebook{cfg: cfg, log: log.Named("facebook")}
}

func (f *Facebook) Name() models.Platform { return models.PlatformFacebook }

func (f *Facebook) VerifyChallenge(params url.Values) (string, error) {
	return verifyMetaChallenge(params, f.cfg.VerifyToken)
}

// ─── Wire format ─────────────────────────────────────────────────────────────

type fbPayload struct {
	Object string    `json:"object"`
	Entry  []fbEntry `json:"entry"`
}

type fbEntry struct {
	ID        string        `json:"id"` // page id
	Time      int64         `json:"time"`
	Messaging []fbMessaging `json:"messaging"`
}

type fbMessaging struct {
	Sender    fbParty     `json:"sender"`
	Recipient fbParty     `json:"recipient"`
	Timestamp int64       `json:"timestamp"` // ms epoch
	Message   *fbMessage  `json:"message,omitempty"`
	Postback  *fbPostback `json:"postback,omitempty"`
	Delivery  *fbReceipt  `json:"delivery,omitempty"`
	Read      *fbReceipt  `json:"read,omitempty"`
}

type fbParty struct {
	ID string `json:"id"` // page-scoped user id (PSID)
}

type fbMessage struct {
	MID         string         `json:"mid"`
	Text        string         `json:"text"`
	IsEcho      bool           `json:"is_echo"`
	Attachments []fbAttachment `json:"attachments"`
}

type fbAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type fbPostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type fbReceipt struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

func (f *Facebook) ParseEvents(rawBody []byte, headers http.Header) ([]models.InboundEvent, error) {
	if !verifyMetaSignature(f.cfg.AppSecret, rawBody, headers.Get("X-Hub-Signature-256")) {
		return nil, ErrSignature
	}

	var payload fbPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if payload.Object != "page" {
		return nil, fmt.Errorf("%w: unexpected object %q", ErrParse, payload.Object)
	}

	var events []models.InboundEvent
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			ev, ok := f.normalize(m)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (f *Facebook) normalize(m fbMessaging) (models.InboundEvent, bool) {
	ev := models.InboundEvent{
		Platform:  models.PlatformFacebook,
		SenderID:  m.Sender.ID,
		Timestamp: time.UnixMilli(m.Timestamp),
	}
	// PSIDs are already page-scoped, so the sender id doubles as thread key.
	ev.ConversationID = m.Sender.ID

	switch {
	case m.Message != nil:
		if m.Message.IsEcho {
			// Echo of our own outbound message; the outbound path owns these.
			f.log.Debug("dropping echo event", zap.String("mid", m.Message.MID))
			return ev, false
		}
		ev.Kind = models.EventMessage
		ev.EventID = m.Message.MID
		ev.Content.Text = m.Message.Text
		for _, a := range m.Message.Attachments {
			ev.Content.Attachments = append(ev.Content.Attachments, models.Attachment{
				Type: a.Type,
				URL:  a.Payload.URL,
			})
		}

	case m.Postback != nil:
		ev.Kind = models.EventPostback
		// Postbacks carry no mid; derive a stable id from sender and time.
		ev.EventID = fmt.Sprintf("pb:%s:%d", m.Sender.ID, m.Timestamp)
		ev.Content.Postback = &models.Postback{
			Title:   m.Postback.Title,
			Payload: m.Postback.Payload,
		}

	case m.Delivery != nil:
		ev.Kind = models.EventDelivery
		ev.EventID = fmt.Sprintf("dl:%s:%d", m.Sender.ID, m.Delivery.Watermark)

	case m.Read != nil:
		ev.Kind = models.EventRead
		ev.EventID = fmt.Sprintf("rd:%s:%d", m.Sender.ID, m.Read.Watermark)

	default:
		f.log.Debug("dropping unsupported messaging event", zap.String("sender", m.Sender.ID))
		return ev, false
	}

	if ev.EventID == "" || ev.SenderID == "" {
		f.log.Warn("dropping event with missing identifiers", zap.String("kind", string(ev.Kind)))
		return ev, false
	}
	return ev, true
}
