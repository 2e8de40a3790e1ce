package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/efreitasn/certauction/internal/auth"
	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/engine"
)

// Auctioneer is the subset of the engine the gateway drives.
type Auctioneer interface {
	SubmitBid(ctx context.Context, p engine.BidProposal, callerID string) (*domain.Bid, error)
	Describe(ctx context.Context, id string) (*engine.RoomInfo, error)
	StartBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	CloseBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	CancelBatch(ctx context.Context, id string) (*domain.CertificateBatch, error)
	StartAuction(ctx context.Context, id string) (*domain.Auction, error)
	CompleteAuction(ctx context.Context, id string) (*domain.Auction, error)
	CancelAuction(ctx context.Context, id string) (*domain.Auction, error)
}

// Gateway upgrades HTTP requests to websocket sessions and dispatches
// their messages.
type Gateway struct {
	hub        *Hub
	engine     Auctioneer
	verifier   auth.Verifier
	upgrader   websocket.Upgrader
	sendBuffer int
	opTimeout  time.Duration
	logger     *slog.Logger
}

// NewGateway creates a Gateway. sendBuffer bounds each session's outbound
// queue; a session that falls that far behind is disconnected.
func NewGateway(hub *Hub, eng Auctioneer, verifier auth.Verifier, sendBuffer int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Gateway{
		hub:      hub,
		engine:   eng,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		opTimeout:  30 * time.Second,
		logger:     logger,
	}
}

// ServeHTTP authenticates the optional credential and upgrades the
// connection. A credential that is present but invalid is refused before
// the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := g.verifier.Verify(token)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"invalid credential"}`))
			return
		}
		identity = &id
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(uuid.New().String(), conn, identity, g.sendBuffer)
	g.hub.register(s)
	go s.writePump()
	go g.readPump(s)
}

func (g *Gateway) readPump(s *Session) {
	defer g.hub.remove(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Debug("websocket read failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.dispatch(s, raw)
	}
}

// dispatch handles one inbound message. Work started here runs to
// completion even if the client disconnects meanwhile.
func (g *Gateway) dispatch(s *Session, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.replyError(s, "", "invalid_message", "malformed message", false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	switch msg.Type {
	case msgJoin:
		g.handleJoin(ctx, s, msg)
	case msgLeave:
		g.handleLeave(s, msg)
	case msgPlaceBid:
		g.handlePlaceBid(ctx, s, msg)
	case msgStartAuction, msgEndAuction, msgCancelAuction:
		g.handleTransition(ctx, s, msg)
	default:
		g.replyError(s, msg.RequestID, "invalid_message", "unknown message type", false)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, s *Session, msg inbound) {
	room := msg.room()
	if room == "" {
		g.replyError(s, msg.RequestID, "invalid_message", "id is required", false)
		return
	}

	info, err := g.engine.Describe(ctx, room)
	if err != nil {
		g.replyEngineError(s, msg.RequestID, err)
		return
	}

	g.hub.join(s, room)
	g.reply(s, replyJoined, msg.RequestID, newJoinedPayload(info))
}

func (g *Gateway) handleLeave(s *Session, msg inbound) {
	room := msg.room()
	if room == "" {
		g.replyError(s, msg.RequestID, "invalid_message", "id is required", false)
		return
	}
	g.hub.leave(s, room)
	g.reply(s, replyLeft, msg.RequestID, leftPayload{ID: room})
}

func (g *Gateway) handlePlaceBid(ctx context.Context, s *Session, msg inbound) {
	if msg.CertificateID == "" {
		g.replyError(s, msg.RequestID, "invalid_message", "certificateId is required", false)
		return
	}
	if !g.followsCertificate(ctx, s, msg.CertificateID) {
		g.replyError(s, msg.RequestID, "not_joined", "must join before bidding", false)
		return
	}
	if msg.BidderID == "" {
		g.replyError(s, msg.RequestID, "invalid_message", "bidderId is required", false)
		return
	}
	if msg.InterestRate == nil {
		g.replyError(s, msg.RequestID, "invalid_message", "interestRate is required", false)
		return
	}

	bid, err := g.engine.SubmitBid(ctx, engine.BidProposal{
		CertificateID: msg.CertificateID,
		BidderID:      msg.BidderID,
		InterestRate:  *msg.InterestRate,
	}, s.userID())

	var rej *domain.BidRejection
	switch {
	case err == nil:
		g.reply(s, replyBidAccepted, msg.RequestID, newBidPayload(bid))
	case errors.As(err, &rej):
		g.reply(s, replyBidRejected, msg.RequestID, rejectedPayload{
			CertificateID: msg.CertificateID,
			Reason:        string(rej.Reason),
			Message:       rej.Message,
			Retryable:     rej.Retryable(),
		})
	default:
		g.replyEngineError(s, msg.RequestID, err)
	}
}

// followsCertificate reports whether s has joined a room that receives the
// certificate's bid broadcasts: its own room or its legacy auction's.
func (g *Gateway) followsCertificate(ctx context.Context, s *Session, certificateID string) bool {
	if g.hub.joined(s, certificateID) {
		return true
	}
	info, err := g.engine.Describe(ctx, certificateID)
	if err != nil {
		return false
	}
	for _, room := range info.Rooms {
		if g.hub.joined(s, room) {
			return true
		}
	}
	return false
}

func (g *Gateway) handleTransition(ctx context.Context, s *Session, msg inbound) {
	id, err := g.verifier.Verify(msg.AdminCredential)
	if err != nil || !id.IsAdmin() {
		g.replyError(s, msg.RequestID, "unauthorized", "unauthorized", false)
		return
	}
	if msg.ID == "" {
		g.replyError(s, msg.RequestID, "invalid_message", "id is required", false)
		return
	}

	kind := domain.RoundKind(msg.Kind)
	if kind == "" {
		info, err := g.engine.Describe(ctx, msg.ID)
		if err != nil {
			g.replyEngineError(s, msg.RequestID, err)
			return
		}
		kind = domain.RoundKind(info.Kind)
	}

	status, err := g.applyTransition(ctx, kind, msg.Type, msg.ID)
	if err != nil {
		g.replyEngineError(s, msg.RequestID, err)
		return
	}

	g.logger.Info("transition requested over websocket",
		slog.String("type", msg.Type),
		slog.String("kind", string(kind)),
		slog.String("id", msg.ID),
		slog.String("admin_id", id.UserID),
	)
	g.reply(s, replyTransitioned, msg.RequestID, transitionedPayload{Kind: string(kind), ID: msg.ID, Status: status})
}

var errNotARound = errors.New("not a batch or auction")

func (g *Gateway) applyTransition(ctx context.Context, kind domain.RoundKind, action, id string) (string, error) {
	switch kind {
	case domain.RoundBatch:
		var (
			b   *domain.CertificateBatch
			err error
		)
		switch action {
		case msgStartAuction:
			b, err = g.engine.StartBatch(ctx, id)
		case msgEndAuction:
			b, err = g.engine.CloseBatch(ctx, id)
		default:
			b, err = g.engine.CancelBatch(ctx, id)
		}
		if err != nil {
			return "", err
		}
		return string(b.Status), nil

	case domain.RoundAuction:
		var (
			a   *domain.Auction
			err error
		)
		switch action {
		case msgStartAuction:
			a, err = g.engine.StartAuction(ctx, id)
		case msgEndAuction:
			a, err = g.engine.CompleteAuction(ctx, id)
		default:
			a, err = g.engine.CancelAuction(ctx, id)
		}
		if err != nil {
			return "", err
		}
		return string(a.Status), nil
	}
	return "", errNotARound
}

func (g *Gateway) reply(s *Session, typ, requestID string, data any) {
	if !s.enqueue(encodeReply(typ, requestID, data)) {
		g.hub.remove(s)
	}
}

func (g *Gateway) replyError(s *Session, requestID, code, message string, retryable bool) {
	g.reply(s, replyError, requestID, errorPayload{Code: code, Message: message, Retryable: retryable})
}

// replyEngineError maps engine errors to error replies.
func (g *Gateway) replyEngineError(s *Session, requestID string, err error) {
	switch {
	case errors.Is(err, domain.ErrCertificateNotFound):
		g.replyError(s, requestID, "not_found", "certificate not found", false)
	case errors.Is(err, domain.ErrBatchNotFound):
		g.replyError(s, requestID, "not_found", "batch not found", false)
	case errors.Is(err, domain.ErrAuctionNotFound):
		g.replyError(s, requestID, "not_found", "auction not found", false)
	case errors.Is(err, domain.ErrInvalidTransition):
		g.replyError(s, requestID, "invalid_transition", "transition rejected", false)
	case errors.Is(err, errNotARound):
		g.replyError(s, requestID, "invalid_message", "id is not a batch or auction", false)
	case errors.Is(err, domain.ErrIntegrity):
		g.replyError(s, requestID, "internal", "internal error", false)
	default:
		g.logger.Warn("gateway operation failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
		g.replyError(s, requestID, "transient_error", "temporary failure, please retry", true)
	}
}
