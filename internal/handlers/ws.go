package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"chat-core/internal/backend"
	"chat-core/internal/chat"
	"chat-core/internal/models"
)

// Gateway exposes the chat core over a WebSocket plus a small REST surface.
// Each connection hosts its own chat.Client, so sessions are fully isolated
// and teardown is just closing the client.
type Gateway struct {
	querier backend.Querier
	feed    backend.ChangeFeed
	opts    chat.Options
	logger  *zap.Logger
}

func NewGateway(q backend.Querier, feed backend.ChangeFeed, opts chat.Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{querier: q, feed: feed, opts: opts, logger: logger}
}

// WSUpgradeMiddleware rejects plain HTTP requests on the WebSocket route.
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler runs one chat session per connection.
func (g *Gateway) WebSocketHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID := c.Locals("user_id").(string)
		user := models.User{ID: userID}
		if username, ok := c.Locals("username").(string); ok && username != "" {
			user.Username = &username
		}

		sess := newSession(c, g, user)
		defer sess.close()

		sess.push(WSResponse{Event: "connected"})

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					g.logger.Warn("websocket read", zap.String("user_id", userID), zap.Error(err))
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			sess.handle(msg)
		}
	})
}

// ListConversationsHandler is the REST equivalent of the WS "list" event,
// for clients that render the directory before opening a socket.
func (g *Gateway) ListConversationsHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		convs, err := g.querier.Conversations(c.Context(), userID)
		if err != nil {
			g.logger.Error("list conversations", zap.String("user_id", userID), zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "failed to fetch conversations"})
		}
		if convs == nil {
			convs = []models.Conversation{}
		}
		return c.JSON(convs)
	}
}
