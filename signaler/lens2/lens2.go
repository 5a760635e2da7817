// Package lens2 signals over plain HTTP: frames are POSTed to a topic and
// received from the own topic as a Server-Sent-Events stream.
package lens2

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"

	"github.com/donovanhide/eventsource"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/signaler"
)

var ErrStreamEnded = errors.New("lens2: event stream ended")

type Messenger struct {
	id     string
	client *client
	logger zerolog.Logger

	mu     sync.Mutex
	stream *eventsource.Stream
}

var _ signaler.Messenger = (*Messenger)(nil)

func NewMessenger(id string, endpoint string, logger zerolog.Logger) (m *Messenger, err error) {
	defer err2.Handle(&err)
	return &Messenger{
		id:     id,
		client: try.To1(newClient(endpoint)),
		logger: logging.Module(logger, "lens2").With().Str("id", id).Logger(),
	}, nil
}

// Factory returns a signaler.Factory for endpoint.
func Factory(endpoint string, logger zerolog.Logger) signaler.Factory {
	return func(selfID string) (signaler.Messenger, error) {
		return NewMessenger(selfID, endpoint, logger)
	}
}

func (m *Messenger) SendMessage(ctx context.Context, peerID string, message []byte) (err error) {
	defer err2.Handle(&err)
	req := try.To1(m.client.newReq(ctx, http.MethodPost, peerID, bytes.NewReader(message)))
	res := try.To1(m.client.doReq(req))
	res.Body.Close()
	return
}

func (m *Messenger) StartReceivingMessages(onMessage func([]byte), onComplete func(error)) (err error) {
	defer err2.Handle(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return signaler.ErrAlreadyReceiving
	}

	req := try.To1(m.client.newReq(context.Background(), http.MethodGet, m.id, http.NoBody))
	stream := try.To1(eventsource.SubscribeWithRequest("", req))
	m.stream = stream

	go func() {
		for err := range stream.Errors {
			m.logger.Warn().Err(err).Msg("event stream error")
		}
	}()
	go func() {
		for ev := range stream.Events {
			data, err := base64.StdEncoding.DecodeString(ev.Data())
			if err != nil {
				m.logger.Warn().Err(err).Str("event", ev.Id()).Msg("dropping undecodable event")
				continue
			}
			onMessage(data)
		}
		m.mu.Lock()
		ours := m.stream == stream
		if ours {
			m.stream = nil
		}
		m.mu.Unlock()
		if ours && onComplete != nil {
			onComplete(ErrStreamEnded)
		}
	}()
	return nil
}

func (m *Messenger) StopReceivingMessages() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}
