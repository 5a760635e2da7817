package lens2

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/donovanhide/eventsource"
)

const maxFrameSize = 1 << 20

// Broker is the HTTP side of the lens2 protocol. GET ?t=topic subscribes
// to topic, POST ?t=topic publishes the request body to its subscribers.
type Broker struct {
	srv *eventsource.Server
	seq atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{srv: eventsource.NewServer()}
}

type frameEvent struct {
	id   string
	data string
}

func (e frameEvent) Id() string    { return e.id }
func (e frameEvent) Event() string { return "frame" }
func (e frameEvent) Data() string  { return e.data }

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("t")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		b.srv.Handler(topic)(w, r)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.srv.Publish([]string{topic}, frameEvent{
			id:   strconv.FormatUint(b.seq.Add(1), 10),
			data: base64.StdEncoding.EncodeToString(body),
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *Broker) Close() {
	b.srv.Close()
}
