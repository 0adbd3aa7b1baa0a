package emitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publication struct {
	topic    string
	qos      byte
	retained bool
	msg      Message
}

type fakeClient struct {
	mu           sync.Mutex
	err          error
	pubs         chan publication
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{pubs: make(chan publication, 64)}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	var m Message
	if err == nil {
		if err := msgpack.Unmarshal(payload.([]byte), &m); err != nil {
			panic(err)
		}
		c.pubs <- publication{topic: topic, qos: qos, retained: retained, msg: m}
	}
	return &fakeToken{err: err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

type fakeSource struct {
	state    *broadcast.Value[biosession.ConnectionState]
	quality  *broadcast.Value[biosession.SignalQuality]
	previews [biosession.NumChannels]*broadcast.Value[[]float64]
}

func newFakeSource() *fakeSource {
	s := &fakeSource{
		state:   broadcast.New(biosession.Disconnected),
		quality: broadcast.New(biosession.Poor),
	}
	for _, ch := range biosession.AllChannels {
		s.previews[ch] = broadcast.New([]float64{})
	}
	return s
}

func (s *fakeSource) State() broadcast.Observable[biosession.ConnectionState] { return s.state }
func (s *fakeSource) Quality() broadcast.Observable[biosession.SignalQuality] { return s.quality }
func (s *fakeSource) Preview(ch biosession.Channel) broadcast.Observable[[]float64] {
	return s.previews[ch]
}

func anyMessage(Message) bool { return true }

// waitFor returns the first publication on topic whose message matches,
// skipping everything else.
func waitFor(t *testing.T, c *fakeClient, topic string, match func(Message) bool) publication {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-c.pubs:
			if p.topic == topic && match(p.msg) {
				return p
			}
		case <-deadline:
			t.Fatalf("no publication on %s", topic)
		}
	}
}

func TestAttach_PublishesCurrentAndUpdates(t *testing.T) {
	client := newFakeClient()
	src := newFakeSource()
	e := New(client, Config{InstanceID: "lab-1", TopicPrefix: "biosense", QoS: 1})
	e.Attach(src)
	defer e.Close()

	p := waitFor(t, client, "biosense/lab-1/state", anyMessage)
	if p.msg.State != "Disconnected" || !p.retained || p.qos != 1 {
		t.Errorf("initial state publication = %+v", p)
	}
	if p.msg.Instance != "lab-1" {
		t.Errorf("Instance = %q, want lab-1", p.msg.Instance)
	}

	src.state.Set(biosession.Connected)
	waitFor(t, client, "biosense/lab-1/state", func(m Message) bool { return m.State == "Connected" })

	src.quality.Set(biosession.Good)
	waitFor(t, client, "biosense/lab-1/quality", func(m Message) bool { return m.Quality == "Good" })

	src.previews[biosession.EEG2].Set([]float64{1, 2, 3})
	p = waitFor(t, client, "biosense/lab-1/preview/AF7", func(m Message) bool { return len(m.Samples) == 3 })
	if p.retained {
		t.Error("preview publications must not be retained")
	}
	if p.msg.Channel != "AF7" {
		t.Errorf("Channel = %q, want AF7", p.msg.Channel)
	}

	if got := e.Stats().Published["biosense/lab-1/state"]; got == 0 {
		t.Error("state publication not counted")
	}
}

func TestPublishErrorsCounted(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("broker gone")

	e := New(client, Config{InstanceID: "lab-1", TopicPrefix: "biosense"})
	e.publish("state", true, Message{State: "Connected"})

	st := e.Stats()
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	if len(st.Published) != 0 {
		t.Errorf("Published = %v, want empty", st.Published)
	}
}

func TestCloseDetaches(t *testing.T) {
	client := newFakeClient()
	src := newFakeSource()
	e := New(client, Config{InstanceID: "lab-1", TopicPrefix: "biosense"})
	e.Attach(src)
	waitFor(t, client, "biosense/lab-1/state", anyMessage)

	e.Close()

	client.mu.Lock()
	disconnected := client.disconnected
	client.mu.Unlock()
	if !disconnected {
		t.Error("Close did not disconnect the client")
	}

	// Drain the initial publications, then make sure updates stop.
	time.Sleep(50 * time.Millisecond)
	for len(client.pubs) > 0 {
		<-client.pubs
	}
	src.state.Set(biosession.Connecting)
	select {
	case p := <-client.pubs:
		t.Errorf("publication after Close: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopic(t *testing.T) {
	e := New(newFakeClient(), Config{InstanceID: "lab-1", TopicPrefix: "biosense"})
	if got := e.Topic("preview/TP9"); got != "biosense/lab-1/preview/TP9" {
		t.Errorf("Topic = %q", got)
	}
}
