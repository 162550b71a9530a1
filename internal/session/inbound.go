package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"risk-sms/internal/observability"
	"risk-sms/internal/smpp"
)

// ReceivedStore persists mobile-originated messages.
type ReceivedStore interface {
	SaveReceivedMessage(ctx context.Context, origin, destination, text string) (int64, bool)
}

// InboundHandler classifies every inbound deliver_sm as a delivery receipt
// or a mobile-originated message. It runs on the session's read goroutine.
type InboundHandler struct {
	logger *zap.Logger
	store  ReceivedStore
}

func NewInboundHandler(logger *zap.Logger, service string, store ReceivedStore) *InboundHandler {
	return &InboundHandler{
		logger: observability.ForService(logger, service),
		store:  store,
	}
}

func (h *InboundHandler) HandleDeliverSm(d *smpp.DeliverSm) {
	if d.IsDeliveryReceipt() {
		h.handleDeliveryReceipt(d)
		return
	}
	h.handleMobileOriginated(d)
}

// handleMobileOriginated persists the handset-originated message.
func (h *InboundHandler) handleMobileOriginated(d *smpp.DeliverSm) {
	text := string(d.ShortMessage)
	from := d.Source.Addr
	to := d.Dest.Addr

	h.logger.Info("MO recibido",
		zap.String("origen", from),
		zap.String("destino", to),
		zap.String("texto", observability.Sanitize(text)))

	h.store.SaveReceivedMessage(context.Background(), from, to, text)
}

// handleDeliveryReceipt extracts the id and stat tokens of the receipt body
// and logs them. Receipt state is not correlated back to the outbound row.
func (h *InboundHandler) handleDeliveryReceipt(d *smpp.DeliverSm) {
	receipt := string(d.ShortMessage)
	h.logger.Debug("DLR recibido", zap.String("cuerpo", receipt))

	messageID := extractValue(receipt, "id")
	status := extractValue(receipt, "stat")

	h.logger.Info("acuse de entrega",
		zap.String("id_externo", messageID),
		zap.String("estado_entrega", status))
}

// extractValue finds the value of a whitespace-separated key:value token,
// or "" when the key is missing.
func extractValue(text, key string) string {
	prefix := key + ":"
	for _, part := range strings.Fields(text) {
		if strings.HasPrefix(part, prefix) {
			return part[len(prefix):]
		}
	}
	return ""
}
