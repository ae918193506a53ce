package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// WhatsApp handles WhatsApp Business Cloud API webhooks. Meta batches
// multiple changes per entry; a change's value can carry inbound messages,
// delivery statuses, and sender contact hints at the same time.
type WhatsApp struct {
	cfg config.MetaPlatform
	log *zap.Logger
}

func NewWhatsApp(cfg config.MetaPlatform, log *zap.Logger) *WhatsApp {
	return &WhatsApp{cfg: cfg, log: log.Named("whatsapp")}
}

func (w *WhatsApp) Name() models.Platform { return models.PlatformWhatsApp }

func (w *WhatsApp) VerifyChallenge(params url.Values) (string, error) {
	return verifyMetaChallenge(params, w.cfg.VerifyToken)
}

// ─── Wire format ─────────────────────────────────────────────────────────────

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"` // WABA id
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	Contacts []waContact `json:"contacts"`
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string   `json:"from"` // E.164 phone number, doubles as thread key
	ID        string   `json:"id"`   // wamid
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
	Button    *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type waStatus struct {
	ID          string `json:"id"` // wamid of the delivered/read message
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

func (w *WhatsApp) ParseEvents(rawBody []byte, headers http.Header) ([]models.InboundEvent, error) {
	if !verifyMetaSignature(w.cfg.AppSecret, rawBody, headers.Get("X-Hub-Signature-256")) {
		return nil, ErrSignature
	}

	var payload waPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if payload.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: unexpected object %q", ErrParse, payload.Object)
	}

	var events []models.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				w.log.Debug("dropping unsupported change field", zap.String("field", change.Field))
				continue
			}
			profiles := contactProfiles(change.Value.Contacts)
			for _, msg := range change.Value.Messages {
				ev, ok := w.normalizeMessage(msg, profiles)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
			for _, st := range change.Value.Statuses {
				ev, ok := w.normalizeStatus(st)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func contactProfiles(contacts []waContact) map[string]*models.Profile {
	if len(contacts) == 0 {
		return nil
	}
	out := make(map[string]*models.Profile, len(contacts))
	for _, c := range contacts {
		if c.WaID == "" || c.Profile.Name == "" {
			continue
		}
		out[c.WaID] = &models.Profile{DisplayName: c.Profile.Name}
	}
	return out
}

func (w *WhatsApp) normalizeMessage(msg waMessage, profiles map[string]*models.Profile) (models.InboundEvent, bool) {
	ev := models.InboundEvent{
		Platform:       models.PlatformWhatsApp,
		EventID:        msg.ID,
		SenderID:       msg.From,
		ConversationID: msg.From,
		Timestamp:      waTimestamp(msg.Timestamp),
		Profile:        profiles[msg.From],
	}
	if ev.EventID == "" || ev.SenderID == "" {
		w.log.Warn("dropping message with missing identifiers", zap.String("type", msg.Type))
		return ev, false
	}

	switch msg.Type {
	case "text":
		ev.Kind = models.EventMessage
		if msg.Text != nil {
			ev.Content.Text = msg.Text.Body
		}
	case "image", "audio", "video", "document":
		ev.Kind = models.EventMessage
		media := msg.Image
		switch msg.Type {
		case "audio":
			media = msg.Audio
		case "video":
			media = msg.Video
		case "document":
			media = msg.Document
		}
		if media != nil {
			ev.Content.Text = media.Caption
			// Cloud API media needs a follow-up download call; keep the id.
			ev.Content.Attachments = []models.Attachment{{Type: msg.Type, URL: media.ID}}
		}
	case "button":
		ev.Kind = models.EventPostback
		if msg.Button != nil {
			ev.Content.Postback = &models.Postback{Title: msg.Button.Text, Payload: msg.Button.Payload}
		}
	default:
		w.log.Debug("dropping unsupported message type",
			zap.String("type", msg.Type), zap.String("from", msg.From))
		return ev, false
	}
	return ev, true
}

func (w *WhatsApp) normalizeStatus(st waStatus) (models.InboundEvent, bool) {
	var kind models.EventKind
	switch st.Status {
	case "delivered":
		kind = models.EventDelivery
	case "read":
		kind = models.EventRead
	default:
		// "sent" and "failed" describe our outbound messages; not ours here.
		w.log.Debug("dropping status", zap.String("status", st.Status))
		return models.InboundEvent{}, false
	}
	if st.ID == "" || st.RecipientID == "" {
		return models.InboundEvent{}, false
	}
	return models.InboundEvent{
		Platform:       models.PlatformWhatsApp,
		EventID:        fmt.Sprintf("st:%s:%s", st.Status, st.ID),
		SenderID:       st.RecipientID,
		ConversationID: st.RecipientID,
		Timestamp:      waTimestamp(st.Timestamp),
		Kind:           kind,
	}, true
}

// waTimestamp parses the second-resolution epoch string Cloud API sends.
func waTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
