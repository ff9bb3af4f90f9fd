package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/contacts"
	"github.com/pelusa-v/pelusa-chat/internal/files"
	"github.com/pelusa-v/pelusa-chat/internal/permission"
	"github.com/pelusa-v/pelusa-chat/internal/presence"
)

type Handler struct {
	Session  *chat.Session
	Contacts *contacts.Directory
	Files    *files.Store
	Presence *presence.Feed
	// Limiter throttles send intents. Nil disables throttling.
	Limiter *rate.Limiter
}

// fail maps engine errors onto HTTP statuses.
func fail(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrInvalidArgument), errors.Is(err, files.ErrInvalidFile):
		code = fiber.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, contacts.ErrUnknownContact),
		errors.Is(err, files.ErrUnknownFile):
		code = fiber.StatusNotFound
	case errors.Is(err, chat.ErrInvalidState):
		code = fiber.StatusConflict
	case errors.Is(err, permission.ErrDenied):
		code = fiber.StatusForbidden
	case errors.Is(err, permission.ErrUnavailable):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, chat.ErrDelivery):
		code = fiber.StatusBadGateway
	}
	if code == fiber.StatusInternalServerError {
		jww.ERROR.Printf("[API] %s %s: %+v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// EventsHandler GET /api/ws/events?conversation=<id>
func (h *Handler) EventsHandler(c *websocket.Conn) {
	var filter []string
	if id := strings.TrimSpace(c.Query("conversation")); id != "" {
		filter = append(filter, id)
	}
	client := &Client{
		Id:      uuid.NewString(),
		Conn:    c,
		Sub:     h.Session.Subscribe(64, filter...),
		session: h.Session,
	}
	jww.DEBUG.Printf("[API] websocket client %s connected", client.Id)
	go client.WritePump()
	client.ReadPump()
	jww.DEBUG.Printf("[API] websocket client %s disconnected", client.Id)
}

// ConversationsHandler GET /api/conversations?q=
func (h *Handler) ConversationsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Conversations(c.Query("q")))
}

// ConversationHandler GET /api/conversations/:id
func (h *Handler) ConversationHandler(c *fiber.Ctx) error {
	conv, err := h.Session.Conversation(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(conv)
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
}

// CreateConversationHandler POST /api/conversations
func (h *Handler) CreateConversationHandler(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed body")
	}
	conv, err := h.Session.CreateConversation(req.Participants)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// SelectHandler POST /api/conversations/select?id=  (empty id deselects)
func (h *Handler) SelectHandler(c *fiber.Ctx) error {
	if err := h.Session.SelectConversation(strings.TrimSpace(c.Query("id"))); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkReadHandler POST /api/conversations/:id/read
func (h *Handler) MarkReadHandler(c *fiber.Ctx) error {
	if err := h.Session.MarkRead(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UnreadHandler GET /api/conversations/:id/unread
func (h *Handler) UnreadHandler(c *fiber.Ctx) error {
	n, err := h.Session.UnreadCount(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"conversationId": c.Params("id"), "unreadCount": n})
}

type sendRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	URI  string `json:"uri"`
}

// SendHandler POST /api/messages
func (h *Handler) SendHandler(c *fiber.Ctx) error {
	if h.Limiter != nil && !h.Limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "slow down"})
	}
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed body")
	}
	kind, err := chat.ParseKind(req.Kind)
	if err != nil {
		return fail(c, err)
	}
	m, err := h.Session.Send(kind, req.Text, req.URI)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(m)
}

// CancelHandler POST /api/messages/:id/cancel
func (h *Handler) CancelHandler(c *fiber.Ctx) error {
	m, err := h.Session.Cancel(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(m)
}

// RetryHandler POST /api/messages/:id/retry
func (h *Handler) RetryHandler(c *fiber.Ctx) error {
	m, err := h.Session.Retry(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(m)
}

type inboundRequest struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text"`
	URI            string    `json:"uri"`
	SentAt         time.Time `json:"sentAt"`
}

// InboundHandler POST /api/inbound (delivery hook for the transport side)
func (h *Handler) InboundHandler(c *fiber.Ctx) error {
	var req inboundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed body")
	}
	kind, err := chat.ParseKind(req.Kind)
	if err != nil {
		return fail(c, err)
	}
	content, err := chat.NewContent(kind, req.Text, req.URI)
	if err != nil {
		return fail(c, err)
	}
	m, err := h.Session.Receive(chat.Inbound{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Content:        content,
		SentAt:         req.SentAt,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

type addContactRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type contactResponse struct {
	User         chat.User         `json:"user"`
	Conversation chat.Conversation `json:"conversation"`
}

// AddContactHandler POST /api/contacts
func (h *Handler) AddContactHandler(c *fiber.Ctx) error {
	var req addContactRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed body")
	}
	u, conv, err := h.Session.AddContact(req.Name, req.Avatar)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contactResponse{User: u, Conversation: conv})
}

// UsersHandler GET /api/users
func (h *Handler) UsersHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Users())
}

// PresenceHandler GET /api/users/:id/presence
func (h *Handler) PresenceHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	label, err := h.Session.PresenceLabel(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"userId": id, "label": label})
}

type presenceRequest struct {
	UserID   string     `json:"userId"`
	State    string     `json:"state"`
	LastSeen *time.Time `json:"lastSeen"`
}

// PublishPresenceHandler POST /api/presence (feeds the presence stream)
func (h *Handler) PublishPresenceHandler(c *fiber.Ctx) error {
	var req presenceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed body")
	}
	state, err := chat.ParsePresence(req.State)
	if err != nil {
		return fail(c, err)
	}
	if err := h.Presence.Publish(chat.PresenceEvent{UserID: req.UserID, State: state, LastSeen: req.LastSeen}); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// DevicePermissionHandler POST /api/device/contacts/permission
func (h *Handler) DevicePermissionHandler(c *fiber.Ctx) error {
	status, err := h.Contacts.Request(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": status})
}

// RevokeContactsHandler DELETE /api/device/contacts/permission
func (h *Handler) RevokeContactsHandler(c *fiber.Ctx) error {
	h.Contacts.Revoke()
	return c.JSON(fiber.Map{"status": h.Contacts.Status()})
}

// ResetContactsHandler POST /api/device/contacts/permission/reset
func (h *Handler) ResetContactsHandler(c *fiber.Ctx) error {
	h.Contacts.Reset()
	return c.JSON(fiber.Map{"status": h.Contacts.Status()})
}

// DeviceContactsHandler GET /api/device/contacts
func (h *Handler) DeviceContactsHandler(c *fiber.Ctx) error {
	list, err := h.Contacts.Contacts()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(list)
}

// ImportContactHandler POST /api/device/contacts/:id/import
func (h *Handler) ImportContactHandler(c *fiber.Ctx) error {
	ct, err := h.Contacts.Lookup(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	u, conv, err := h.Session.AddContact(ct.Name, ct.Avatar)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contactResponse{User: u, Conversation: conv})
}

// FilesPermissionHandler POST /api/device/files/permission
func (h *Handler) FilesPermissionHandler(c *fiber.Ctx) error {
	status, err := h.Files.Request(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": status})
}

// RevokeFilesHandler DELETE /api/device/files/permission
func (h *Handler) RevokeFilesHandler(c *fiber.Ctx) error {
	h.Files.Revoke()
	return c.JSON(fiber.Map{"status": h.Files.Status()})
}

// ResetFilesHandler POST /api/device/files/permission/reset
func (h *Handler) ResetFilesHandler(c *fiber.Ctx) error {
	h.Files.Reset()
	return c.JSON(fiber.Map{"status": h.Files.Status()})
}

// FilesHandler GET /api/device/files
func (h *Handler) FilesHandler(c *fiber.Ctx) error {
	list, err := h.Files.List()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(list)
}

// UploadFileHandler POST /api/device/files (multipart field "file")
func (h *Handler) UploadFileHandler(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "missing file")
	}
	src, err := fh.Open()
	if err != nil {
		return fail(c, err)
	}
	defer src.Close()
	f, err := h.Files.Add(fh.Filename, fh.Header.Get("Content-Type"), src)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(f)
}

// DeleteFileHandler DELETE /api/device/files/:id
func (h *Handler) DeleteFileHandler(c *fiber.Ctx) error {
	if err := h.Files.Delete(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type sendFileRequest struct {
	Caption string `json:"caption"`
}

// SendFileHandler POST /api/device/files/:id/send
// Sends a stored image or gif to the active conversation.
func (h *Handler) SendFileHandler(c *fiber.Ctx) error {
	if h.Limiter != nil && !h.Limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "slow down"})
	}
	var req sendFileRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "malformed body")
		}
	}
	f, err := h.Files.Get(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	kind, err := f.Kind()
	if err != nil {
		return fail(c, err)
	}
	m, err := h.Session.Send(kind, req.Caption, f.URI)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(m)
}

// Register mounts every route on app.
func (h *Handler) Register(app *fiber.App) {
	app.Get("/api/ws/events", websocket.New(h.EventsHandler))

	app.Get("/api/conversations", h.ConversationsHandler)
	app.Post("/api/conversations", h.CreateConversationHandler)
	app.Post("/api/conversations/select", h.SelectHandler) // ?id=
	app.Get("/api/conversations/:id", h.ConversationHandler)
	app.Post("/api/conversations/:id/read", h.MarkReadHandler)
	app.Get("/api/conversations/:id/unread", h.UnreadHandler)

	app.Post("/api/messages", h.SendHandler)
	app.Post("/api/messages/:id/cancel", h.CancelHandler)
	app.Post("/api/messages/:id/retry", h.RetryHandler)
	app.Post("/api/inbound", h.InboundHandler)

	app.Post("/api/contacts", h.AddContactHandler)
	app.Get("/api/users", h.UsersHandler)
	app.Get("/api/users/:id/presence", h.PresenceHandler)
	app.Post("/api/presence", h.PublishPresenceHandler)

	app.Post("/api/device/contacts/permission", h.DevicePermissionHandler)
	app.Delete("/api/device/contacts/permission", h.RevokeContactsHandler)
	app.Post("/api/device/contacts/permission/reset", h.ResetContactsHandler)
	app.Get("/api/device/contacts", h.DeviceContactsHandler)
	app.Post("/api/device/contacts/:id/import", h.ImportContactHandler)

	if h.Files != nil {
		app.Post("/api/device/files/permission", h.FilesPermissionHandler)
		app.Delete("/api/device/files/permission", h.RevokeFilesHandler)
		app.Post("/api/device/files/permission/reset", h.ResetFilesHandler)
		app.Get("/api/device/files", h.FilesHandler)
		app.Post("/api/device/files", h.UploadFileHandler)
		app.Delete("/api/device/files/:id", h.DeleteFileHandler)
		app.Post("/api/device/files/:id/send", h.SendFileHandler)
	}
}
