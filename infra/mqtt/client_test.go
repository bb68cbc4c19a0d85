package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispense/core/model"
	coremon "github.com/kilianp07/dispense/core/monitoring"
	coremqtt "github.com/kilianp07/dispense/core/mqtt"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// mockClient implements pahoClient for tests
type mockClient struct {
	mu          sync.Mutex
	opts        *paho.ClientOptions
	subscribed  map[string]byte
	handlers    map[string]paho.MessageHandler
	published   []published
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(nil)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed == nil {
		m.subscribed = map[string]byte{}
		m.handlers = map[string]paho.MessageHandler{}
	}
	m.subscribed[topic] = qos
	m.handlers[topic] = h
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(topics ...string) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.handlers, t)
	}
	return &dummyToken{}
}

func (m *mockClient) handler(topic string) paho.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

func (m *mockClient) publishes() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct{ p []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func withMock(t *testing.T, mc *mockClient) {
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, Broker: "tcp://b:1883", Node: "a/b"}.Validate())
	assert.Error(t, Config{Enabled: true, Broker: "tcp://b:1883", AuthMethod: "token"}.Validate())
	assert.NoError(t, Config{Enabled: true, Broker: "tcp://b:1883", Node: "bench1"}.Validate())
}

func TestSendCommandAndReply(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", QoS: map[string]byte{"command": 2, "reply": 1}})
	require.NoError(t, err)
	assert.Equal(t, byte(1), mc.subscribed[coremqtt.ReplyFilter])

	cmdID, err := cli.SendCommand("bench1", model.DefaultDispenseSettings())
	require.NoError(t, err)
	pubs := mc.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "dispense/bench1/command", pubs[0].topic)
	assert.Equal(t, byte(2), pubs[0].qos)

	var cmd coremqtt.Command
	require.NoError(t, json.Unmarshal(pubs[0].payload, &cmd))
	assert.Equal(t, cmdID, cmd.CommandID)
	assert.Equal(t, 50.0, cmd.Settings.TargetWeight)

	payload := fmt.Sprintf(`{"command_id":"%s","outcome":"completed","delivered":51.5}`, cmdID)
	mc.handler(coremqtt.ReplyFilter)(nil, mockMessage{[]byte(payload)})
	r, err := cli.WaitForReply(cmdID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", r.Outcome)
	assert.Equal(t, 51.5, r.Delivered)

	_, err = cli.WaitForReply(cmdID, time.Millisecond)
	assert.ErrorIs(t, err, coremqtt.ErrUnknownCommand)
}

func TestWaitForReplyTimeout(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	cmdID, err := cli.SendCommand("n", model.DefaultDispenseSettings())
	require.NoError(t, err)
	_, err = cli.WaitForReply(cmdID, time.Millisecond)
	assert.ErrorIs(t, err, coremqtt.ErrReplyTimeout)
}

func TestLWTConfigured(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", LWTTopic: "lwt", LWTPayload: "bye", LWTQoS: 1}
	cli, err := NewPahoClient(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if !mc.opts.WillEnabled {
		t.Fatalf("will not enabled")
	}
	if mc.opts.WillTopic != "lwt" || string(mc.opts.WillPayload) != "bye" {
		t.Fatalf("will options incorrect")
	}
	cli.Disconnect()
	if len(mc.publishes()) != 0 {
		t.Fatalf("unexpected publish on disconnect")
	}
}

func TestRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := cli.SendCommand("n", model.DefaultDispenseSettings()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mc.publishes()) != 2 {
		t.Fatalf("expected retries")
	}
}

type recordMonitor struct {
	mu   sync.Mutex
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(any)    {}
func (r *recordMonitor) Flush(time.Duration) {}

func TestSendCommandErrorCaptured(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}}
	withMock(t, mc)
	mon := &recordMonitor{}
	coremon.Init(mon)
	defer coremon.Init(coremon.NopMonitor{})

	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	_, err = cli.SendCommand("bench1", model.DefaultDispenseSettings())
	require.Error(t, err)
	require.Error(t, mon.err)
	assert.Equal(t, "bench1", mon.tags["node"])
	assert.Equal(t, "mqtt", mon.tags["module"])
}

func TestServeRunsCommands(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", Node: "bench1", LWTTopic: "dispense/bench1/status"})
	require.NoError(t, err)

	var got coremqtt.Command
	var mu sync.Mutex
	handler := func(_ context.Context, cmd coremqtt.Command) coremqtt.Reply {
		mu.Lock()
		got = cmd
		mu.Unlock()
		return coremqtt.Reply{RunID: "run-1", Outcome: "completed", Delivered: 50.5}
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- cli.Serve(ctx, handler) }()

	topic := coremqtt.CommandTopic("bench1")
	require.Eventually(t, func() bool { return mc.handler(topic) != nil }, time.Second, time.Millisecond)
	// malformed and anonymous commands are ignored
	mc.handler(topic)(nil, mockMessage{[]byte("{")})
	mc.handler(topic)(nil, mockMessage{[]byte(`{"settings":{}}`)})
	mc.handler(topic)(nil, mockMessage{[]byte(`{"command_id":"c1","settings":{"target_weight":20}}`)})

	replyTopic := coremqtt.ReplyTopic("bench1", "c1")
	var reply coremqtt.Reply
	require.Eventually(t, func() bool {
		for _, p := range mc.publishes() {
			if p.topic == replyTopic {
				return json.Unmarshal(p.payload, &reply) == nil
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, "c1", reply.CommandID)
	assert.Equal(t, "run-1", reply.RunID)
	assert.NotZero(t, reply.Timestamp)

	mu.Lock()
	assert.Equal(t, 20.0, got.Settings.TargetWeight)
	mu.Unlock()

	pubs := mc.publishes()
	require.NotEmpty(t, pubs)
	assert.Equal(t, "dispense/bench1/status", pubs[0].topic)
	assert.Equal(t, "online", string(pubs[0].payload))

	cancel()
	require.NoError(t, <-served)
	assert.Nil(t, mc.handler(topic))
}
