package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Event is one job status transition.
type Event struct {
	JobID    string          `json:"job_id"`
	Language models.Language `json:"language"`
	Status   string          `json:"status"`
	Kind     models.Outcome  `json:"kind,omitempty"`
	At       time.Time       `json:"at"`
}

type Publisher interface {
	Publish(Event)
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends events to <subject>.<status>.
type NATSPublisher struct {
	conn    natsConn
	subject string
	close   func() error
}

func NewNATS(conn natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, close: func() error { return nil }}
}

// ConnectNATS dials the server and returns a publisher owning the connection.
func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("rankode-exec"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}
	p := NewNATS(nc, subject)
	p.close = nc.Drain
	return p, nil
}

func (p *NATSPublisher) Subject(status string) string {
	return p.subject + "." + status
}

func (p *NATSPublisher) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "job", ev.JobID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Status), b); err != nil {
		slog.Warn("failed to publish event", "job", ev.JobID, "status", ev.Status, "error", err)
	}
}

func (p *NATSPublisher) Close() error {
	return p.close()
}
