package emitter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/resultbus"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                     { return !t.timeout }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	token        fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) IsConnected() bool { return !c.disconnected }

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func connectedEmitter(c *fakeClient) *MQTT {
	e := NewMQTT(Config{Broker: "localhost:1883", Topic: "care/pose", QoS: 1, InstanceID: "bed-1"})
	e.client = c
	e.connected = true
	return e
}

func sampleEvent() resultbus.Event {
	return resultbus.Event{
		Sequence:       4,
		TraceID:        "trace",
		TimestampMs:    1234,
		Landmarks:      [][]landmarker.Landmark{{{X: 0.5, Y: 0.4, Visibility: 0.9}}},
		WorldLandmarks: [][]landmarker.Landmark{{{X: 0.1, Y: -0.2, Z: 0.05}}},
	}
}

func TestPublish(t *testing.T) {
	c := &fakeClient{}
	e := connectedEmitter(c)

	require.NoError(t, e.Publish(sampleEvent()))
	require.Len(t, c.messages, 1)
	assert.Equal(t, "care/pose/bed-1", c.messages[0].topic)
	assert.Equal(t, byte(1), c.messages[0].qos)

	var p Payload
	require.NoError(t, json.Unmarshal(c.messages[0].payload, &p))
	assert.Equal(t, "bed-1", p.InstanceID)
	assert.Equal(t, int64(1234), p.TimestampMs)
	require.Len(t, p.Poses, 1)
	assert.Equal(t, 0.5, p.Poses[0].Landmarks[0].X)
	assert.Equal(t, -0.2, p.Poses[0].WorldLandmarks[0].Y)

	assert.Equal(t, Stats{Connected: true, Published: 1}, e.Stats())
}

func TestPublishFailures(t *testing.T) {
	e := NewMQTT(Config{Topic: "care/pose", InstanceID: "bed-1"})
	assert.ErrorIs(t, e.Publish(sampleEvent()), ErrNotConnected)

	timeout := connectedEmitter(&fakeClient{token: fakeToken{timeout: true}})
	assert.ErrorIs(t, timeout.Publish(sampleEvent()), ErrPublishTimeout)

	broken := errors.New("broker refused")
	failing := connectedEmitter(&fakeClient{token: fakeToken{err: broken}})
	assert.ErrorIs(t, failing.Publish(sampleEvent()), broken)
	assert.Equal(t, uint64(1), failing.Stats().Errors)
}

func TestDisconnect(t *testing.T) {
	c := &fakeClient{}
	e := connectedEmitter(c)
	e.Disconnect()
	assert.True(t, c.disconnected)
	assert.False(t, e.Stats().Connected)
	assert.ErrorIs(t, e.Publish(sampleEvent()), ErrNotConnected)
}

func TestMarshalError(t *testing.T) {
	ev := resultbus.Event{Sequence: 1, TimestampMs: 5, Err: errors.New("regress failed")}
	data, err := Marshal("bed-1", ev)
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "regress failed", p.Error)
	assert.NotNil(t, p.Poses)
	assert.Empty(t, p.Poses)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}
