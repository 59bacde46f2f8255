// Package broker runs the development STOMP broker behind /ws-blueprints
// and the /app/draw controller that persists points and fans them out on
// per-blueprint topics.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/gorilla/websocket"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport/wsconn"
)

const (
	defaultHeartBeat = 10 * time.Second

	// Time allowed to persist one drawn point.
	storeWait = 5 * time.Second

	contentTypeJSON = "application/json"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PointAppender persists drawn points and returns the full sequence.
type PointAppender interface {
	AppendPoint(ctx context.Context, author, name string, p model.Point) ([]model.Point, error)
}

// Config configures the broker.
type Config struct {
	HeartBeat time.Duration
}

// topicMessage is what subscribers of a blueprint topic receive.
type topicMessage struct {
	Author string        `json:"author"`
	Name   string        `json:"name"`
	Points []model.Point `json:"points"`
}

// Broker is a STOMP broker fed by websocket upgrades.
type Broker struct {
	store    PointAppender
	listener *wsconn.Listener
	server   *server.Server

	mu      sync.Mutex
	running bool
}

// New creates a broker that stores drawn points in store.
func New(store PointAppender, cfg Config) *Broker {
	if cfg.HeartBeat <= 0 {
		cfg.HeartBeat = defaultHeartBeat
	}
	return &Broker{
		store:    store,
		listener: wsconn.NewListener("ws-blueprints"),
		server:   &server.Server{HeartBeat: cfg.HeartBeat},
	}
}

// ServeHTTP upgrades the request and hands the connection to the broker.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Broker upgrade failed: %v", err)
		return
	}
	conn := wsconn.New(ws)
	if err := b.listener.Offer(conn); err != nil {
		conn.Close()
	}
}

// Run serves STOMP connections and the draw controller until ctx ends.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("broker already running")
	}
	b.running = true
	b.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.server.Serve(b.listener)
	}()

	ctrl, err := b.connectController()
	if err != nil {
		b.listener.Close()
		return err
	}

	ctrlDone := make(chan error, 1)
	go func() {
		ctrlDone <- b.control(ctrl)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-ctrlDone:
		ctrlDone = nil
	case err = <-serveErr:
		if err == nil {
			err = errors.New("broker stopped serving")
		}
	}

	ctrl.MustDisconnect()
	b.listener.Close()
	if ctrlDone != nil {
		<-ctrlDone
	}
	return err
}

// connectController opens the controller's in-process STOMP session and
// subscribes it to the draw destination.
func (b *Broker) connectController() (*gostomp.Conn, error) {
	pipe, err := b.listener.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open controller pipe: %w", err)
	}
	conn, err := gostomp.Connect(pipe, gostomp.ConnOpt.HeartBeat(0, 0))
	if err != nil {
		pipe.Close()
		return nil, fmt.Errorf("failed to connect controller: %w", err)
	}
	return conn, nil
}

// control handles draw messages until the controller session ends.
func (b *Broker) control(conn *gostomp.Conn) error {
	sub, err := conn.Subscribe(channel.DrawDestination, gostomp.AckAuto)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel.DrawDestination, err)
	}

	for msg := range sub.C {
		if msg.Err != nil {
			log.Printf("Controller subscription error: %v", msg.Err)
			continue
		}
		b.handleDraw(conn, msg.Body)
	}
	return errors.New("controller session ended")
}

// handleDraw stores one drawn point and publishes the resulting sequence
// on the blueprint's topic.
func (b *Broker) handleDraw(conn *gostomp.Conn, body []byte) {
	var ev model.DrawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("Invalid draw message: %v", err)
		return
	}
	if err := ev.Point.Validate(); err != nil {
		log.Printf("Invalid draw message: %v", err)
		return
	}
	topic, err := channel.Topic(ev.Author, ev.Name)
	if err != nil {
		log.Printf("Invalid draw message: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWait)
	points, err := b.store.AppendPoint(ctx, ev.Author, ev.Name, ev.Point)
	cancel()
	if err != nil {
		log.Printf("Failed to store point for %s/%s: %v", ev.Author, ev.Name, err)
		return
	}

	out, err := json.Marshal(topicMessage{Author: ev.Author, Name: ev.Name, Points: points})
	if err != nil {
		log.Printf("Failed to encode topic message: %v", err)
		return
	}
	if err := conn.Send(topic, contentTypeJSON, out); err != nil {
		log.Printf("Failed to publish to %s: %v", topic, err)
	}
}
