package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport publishes sequenced events to auction.events.<auction_id>
// for other nodes and external consumers.
type NATSTransport struct {
	conn *nats.Conn
}

// ConnectNATS dials the broker with indefinite reconnects.
func ConnectNATS(url string, log *zap.Logger) (*NATSTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disconnectErr error) {
			log.Warn("nats disconnected", zap.Error(disconnectErr))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSTransport{conn: conn}, nil
}

// Publish sends the already-encoded event payload.
func (transport *NATSTransport) Publish(_ context.Context, auctionID string, payload []byte) error {
	return transport.conn.Publish("auction.events."+auctionID, payload)
}

// Close drains and closes the connection.
func (transport *NATSTransport) Close() {
	transport.conn.Close()
}
