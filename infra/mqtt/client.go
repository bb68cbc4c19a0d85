// Package mqtt carries dispense commands and replies over an MQTT broker
// using Eclipse Paho.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/dispense/core/model"
	coremon "github.com/kilianp07/dispense/core/monitoring"
	coremqtt "github.com/kilianp07/dispense/core/mqtt"
	"github.com/kilianp07/dispense/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled    bool            `json:"enabled"`
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Node       string          `json:"node"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	ReplyTopic string          `json:"reply_topic"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	LWTTopic   string          `json:"lwt_topic"`
	LWTPayload string          `json:"lwt_payload"`
	LWTQoS     byte            `json:"lwt_qos"`
	LWTRetain  bool            `json:"lwt_retain"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "dispensed"
	}
	if c.Node == "" {
		c.Node = "default"
	}
	if c.ReplyTopic == "" {
		c.ReplyTopic = coremqtt.ReplyFilter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks the broker address when the client is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if strings.ContainsAny(c.Node, "+#/") {
		return fmt.Errorf("mqtt node %q must not contain topic separators or wildcards", c.Node)
	}
	switch c.AuthMethod {
	case "", "username_password", "certificate", "both":
	default:
		return fmt.Errorf("unknown mqtt auth method %q", c.AuthMethod)
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// Handler runs a received command and builds its reply.
type Handler func(ctx context.Context, cmd coremqtt.Command) coremqtt.Reply

// PahoClient implements coremqtt.Client and serves commands for the local
// node.
type PahoClient struct {
	cli        pahoClient
	replyTopic string
	qos        map[string]byte

	mu         sync.Mutex
	replies    map[string]chan coremqtt.Reply
	logger     logger.Logger
	lwtTopic   string
	lwtRetain  bool
	lwtQoS     byte
	maxRetries int
	backoff    time.Duration
	node       string
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the reply topic.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	logger := logger.New("mqtt_client")
	pc := &PahoClient{
		replyTopic: cfg.ReplyTopic,
		replies:    make(map[string]chan coremqtt.Reply),
		logger:     logger,
		qos:        cfg.QoS,
		lwtTopic:   cfg.LWTTopic,
		lwtRetain:  cfg.LWTRetain,
		lwtQoS:     cfg.LWTQoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		node:       cfg.Node,
	}

	opts.OnConnect = func(paho.Client) {
		logger.Infof("MQTT connected")
		if token := pc.cli.Subscribe(pc.replyTopic, pc.qosFor("reply"), pc.onReply); token.Wait() && token.Error() != nil {
			logger.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	pc.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		payload := cfg.LWTPayload
		if payload == "" {
			payload = "offline"
		}
		opts.SetWill(cfg.LWTTopic, payload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 0
}

func (p *PahoClient) onReply(_ paho.Client, msg paho.Message) {
	var r coremqtt.Reply
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		p.logger.Errorf("failed to decode reply: %v", err)
		return
	}
	p.mu.Lock()
	ch, ok := p.replies[r.CommandID]
	if ok {
		select {
		case ch <- r:
		default:
		}
		p.logger.Infof("received reply %s", r.CommandID)
	}
	p.mu.Unlock()
}

// publish sends payload with exponential backoff between attempts.
func (p *PahoClient) publish(topic string, qos byte, retained bool, payload []byte) error {
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		time.Sleep(p.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// SendCommand publishes a dispense command for node and returns the command
// identifier used to match the reply.
func (p *PahoClient) SendCommand(node string, s model.DispenseSettings) (string, error) {
	cmd := coremqtt.Command{
		CommandID: uuid.NewString(),
		Settings:  s,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}

	// register before publishing so a fast reply is not lost
	p.mu.Lock()
	p.replies[cmd.CommandID] = make(chan coremqtt.Reply, 1)
	p.mu.Unlock()

	topic := coremqtt.CommandTopic(node)
	if err := p.publish(topic, p.qosFor("command"), false, payload); err != nil {
		p.mu.Lock()
		delete(p.replies, cmd.CommandID)
		p.mu.Unlock()
		coremon.CaptureException(err, map[string]string{"module": "mqtt", "node": node})
		return "", err
	}
	p.logger.Infof("sent command %s to %s", cmd.CommandID, topic)
	return cmd.CommandID, nil
}

// WaitForReply blocks until the reply for commandID arrives or timeout.
func (p *PahoClient) WaitForReply(commandID string, timeout time.Duration) (coremqtt.Reply, error) {
	p.mu.Lock()
	ch := p.replies[commandID]
	p.mu.Unlock()
	if ch == nil {
		return coremqtt.Reply{}, coremqtt.ErrUnknownCommand
	}
	defer func() {
		p.mu.Lock()
		delete(p.replies, commandID)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		return coremqtt.Reply{}, fmt.Errorf("command %s: %w", commandID, coremqtt.ErrReplyTimeout)
	}
}

// Serve subscribes to the command topic of the local node and runs h for
// every command until ctx is done. Each command runs in its own goroutine;
// the reply goes to the node's result topic.
func (p *PahoClient) Serve(ctx context.Context, h Handler) error {
	topic := coremqtt.CommandTopic(p.node)
	var wg sync.WaitGroup
	onCommand := func(_ paho.Client, msg paho.Message) {
		var cmd coremqtt.Command
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			p.logger.Errorf("failed to decode command: %v", err)
			return
		}
		if cmd.CommandID == "" {
			p.logger.Warnf("command without id ignored")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handle(ctx, h, cmd)
		}()
	}
	if token := p.cli.Subscribe(topic, p.qosFor("command"), onCommand); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	p.logger.Infof("serving commands on %s", topic)
	if p.lwtTopic != "" {
		if err := p.publish(p.lwtTopic, p.lwtQoS, p.lwtRetain, []byte("online")); err != nil {
			p.logger.Warnf("birth message: %v", err)
		}
	}

	<-ctx.Done()
	if token := p.cli.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		p.logger.Warnf("unsubscribe %s: %v", topic, token.Error())
	}
	wg.Wait()
	return nil
}

func (p *PahoClient) handle(ctx context.Context, h Handler, cmd coremqtt.Command) {
	defer coremon.Recover()
	reply := h(ctx, cmd)
	reply.CommandID = cmd.CommandID
	if reply.Timestamp == 0 {
		reply.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		p.logger.Errorf("encode reply %s: %v", cmd.CommandID, err)
		return
	}
	topic := coremqtt.ReplyTopic(p.node, cmd.CommandID)
	if err := p.publish(topic, p.qosFor("reply"), false, payload); err != nil {
		coremon.CaptureException(err, map[string]string{"module": "mqtt", "command_id": cmd.CommandID})
		return
	}
	p.logger.Infof("replied to %s", cmd.CommandID)
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
