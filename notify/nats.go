package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"rusted-workshop-web/utils"
)

// NATS publishes every notification as JSON on one subject, so other
// services can follow task lifecycle events.
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *utils.Logger
}

func ConnectNATS(url, subject string, logger *utils.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("rusted-workshop-web"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

func (n *NATS) Notify(_ context.Context, note Notification) error {
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}

// Subscribe delivers decoded notifications published on the subject.
func (n *NATS) Subscribe(handler func(Notification)) (*nats.Subscription, error) {
	return n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var note Notification
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			n.logger.WithError(err).Warn("Skipping malformed notification event")
			return
		}
		handler(note)
	})
}

func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
