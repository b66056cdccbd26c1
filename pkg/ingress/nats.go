// Package ingress exposes the registry over NATS. Events arrive on
// <prefix>.machines.<id>.event; subscribers join a queue group so a clustered
// deployment load-balances machines across nodes while request/reply still
// answers the original publisher.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/registry"
)

// Config configures the NATS ingress.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// SubjectPrefix is prepended to all subjects. Default: "machina".
	SubjectPrefix string

	// QueueGroup distributes events across subscribers. Default: "machina".
	QueueGroup string

	// Name is an optional NATS connection name.
	Name string
}

// eventMessage is the wire shape of one inbound event.
type eventMessage struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// replyMessage is the wire shape of a request/reply answer.
type replyMessage struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	Result *registry.Result `json:"result,omitempty"`
}

// Server bridges NATS subjects to registry event delivery.
type Server struct {
	reg    *registry.Registry
	cfg    Config
	nc     *nats.Conn
	sub    *nats.Subscription
	logger logging.Logger
}

// NewServer connects to NATS. Call Start to begin consuming.
func NewServer(reg *registry.Registry, cfg Config, logger logging.Logger) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("ingress: registry cannot be nil")
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "machina"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "machina"
	}

	nc, err := nats.Connect(cfg.URL, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingress: connect %s: %w", cfg.URL, err)
	}

	return &Server{reg: reg, cfg: cfg, nc: nc, logger: logger}, nil
}

// Subject returns the event subject for a machine id.
func (s *Server) Subject(machineID string) string {
	return s.cfg.SubjectPrefix + ".machines." + machineID + ".event"
}

// Start subscribes to the event subject. The subject wildcard captures the
// machine id, so one subscription covers every machine.
func (s *Server) Start(ctx context.Context) error {
	subject := s.cfg.SubjectPrefix + ".machines.*.event"
	sub, err := s.nc.QueueSubscribe(subject, s.cfg.QueueGroup, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("ingress: subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Infof("ingress consuming %s (queue %s)", subject, s.cfg.QueueGroup)
	return nil
}

func (s *Server) handle(ctx context.Context, msg *nats.Msg) {
	id, ok := s.machineID(msg.Subject)
	if !ok {
		s.logger.Warnf("ingress: unroutable subject %s", msg.Subject)
		return
	}

	var em eventMessage
	if err := json.Unmarshal(msg.Data, &em); err != nil {
		s.reply(msg, replyMessage{OK: false, Error: fmt.Sprintf("malformed event: %v", err)})
		return
	}
	if em.Name == "" {
		s.reply(msg, replyMessage{OK: false, Error: "event name is required"})
		return
	}

	res, err := s.reg.SendEvent(ctx, id, fsm.Event{Name: em.Name, Kind: em.Kind, Data: em.Data})
	if err != nil {
		s.logger.Debugf("ingress: event %s for machine %s rejected: %v", em.Name, id, err)
		s.reply(msg, replyMessage{OK: false, Error: err.Error()})
		return
	}
	s.reply(msg, replyMessage{OK: true, Result: &res})
}

// machineID extracts the id token from <prefix>.machines.<id>.event. The
// prefix itself may contain dots.
func (s *Server) machineID(subject string) (string, bool) {
	head := s.cfg.SubjectPrefix + ".machines."
	if !strings.HasPrefix(subject, head) || !strings.HasSuffix(subject, ".event") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(subject, head), ".event")
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

func (s *Server) reply(msg *nats.Msg, rm replyMessage) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(rm)
	if err != nil {
		s.logger.Errorf("ingress: marshal reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warnf("ingress: respond: %v", err)
	}
}

// Close drains the subscription and closes the connection. In-flight
// handlers finish before Drain returns the connection to closed.
func (s *Server) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warnf("ingress: drain subscription: %v", err)
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Warnf("ingress: drain connection: %v", err)
		}
	}
}
