package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/registry"
)

// ObsServer is the observability listener: prometheus metrics on /metrics
// and a websocket feed of committed transitions on /ws/transitions.
type ObsServer struct {
	srv      *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	logger logging.Logger
}

// wsClient is one websocket subscriber. Slow consumers are dropped rather
// than allowed to stall the delivering goroutine.
type wsClient struct {
	conn *websocket.Conn
	send chan registry.Result
}

// NewObsServer builds the observability listener over the given prometheus
// gatherer. Wire its Listener into the registry to feed the websocket.
func NewObsServer(addr string, gatherer prometheus.Gatherer, logger logging.Logger) *ObsServer {
	if logger == nil {
		logger = logging.NewDefault()
	}
	o := &ObsServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws/transitions", o.handleWS)
	o.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return o
}

// Start listens. Blocks until Shutdown or a listen error.
func (o *ObsServer) Start() error {
	o.logger.Infof("observability listener on %s", o.srv.Addr)
	err := o.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes all websocket clients and stops the listener.
func (o *ObsServer) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for c := range o.clients {
		close(c.send)
		delete(o.clients, c)
	}
	o.mu.Unlock()
	return o.srv.Shutdown(ctx)
}

// Listener returns the registry listener feeding the websocket fan-out.
func (o *ObsServer) Listener() registry.TransitionListener {
	return func(res registry.Result) {
		o.mu.Lock()
		for c := range o.clients {
			select {
			case c.send <- res:
			default:
				// Backed-up client: drop it so delivery stays non-blocking.
				close(c.send)
				delete(o.clients, c)
			}
		}
		o.mu.Unlock()
	}
}

func (o *ObsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warnf("websocket upgrade: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan registry.Result, 64)}

	o.mu.Lock()
	o.clients[c] = struct{}{}
	o.mu.Unlock()
	o.logger.Debugf("websocket client connected: %s", conn.RemoteAddr())

	go o.writeLoop(c)
	o.readLoop(c)
}

// writeLoop ships transitions to one client until its channel closes.
func (o *ObsServer) writeLoop(c *wsClient) {
	for res := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(res); err != nil {
			o.drop(c)
			break
		}
	}
	c.conn.Close()
}

// readLoop discards inbound frames and detects the close handshake.
func (o *ObsServer) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			o.drop(c)
			return
		}
	}
}

func (o *ObsServer) drop(c *wsClient) {
	o.mu.Lock()
	if _, ok := o.clients[c]; ok {
		close(c.send)
		delete(o.clients, c)
	}
	o.mu.Unlock()
}
