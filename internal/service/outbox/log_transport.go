package outbox

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// LogTransport пишет сообщения в лог и считает их доставленными.
// Используется, когда брокер не настроен.
type LogTransport struct {
	logger *log.Entry
}

var _ domain.OutboxTransport = (*LogTransport)(nil)

// NewLogTransport создаёт транспорт-заглушку.
func NewLogTransport(logger *log.Entry) *LogTransport {
	if logger == nil {
		logger = log.WithField("component", "outbox-log-transport")
	}
	return &LogTransport{logger: logger}
}

// Deliver логирует сообщение.
func (t *LogTransport) Deliver(_ context.Context, msg domain.OutboxMessage) (map[string]string, error) {
	t.logger.WithFields(log.Fields{
		"outbox_id": msg.ID,
		"kind":      msg.Kind,
		"channel":   msg.Channel,
		"to":        msg.To,
		"template":  msg.Template,
		"payload":   string(msg.Payload),
	}).Info("outbox message delivered to log")
	return map[string]string{"transport": "log"}, nil
}
