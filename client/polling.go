package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/goccy/go-json"
)

// pollingConnection implements Connection over HTTP long-poll
type pollingConnection struct {
	common.Component
	id         string
	sessionURL string
	config     Config
	httpClient *http.Client
	done       chan struct{}
	closeOnce  sync.Once
	stopPoll   context.CancelFunc
}

func dialPolling(ctxt context.Context, config Config, logTags log.Fields) (Connection, error) {
	base := url.URL{Scheme: "http", Host: config.Address}
	request, err := common.EncodeFrame(common.Frame{
		Type: common.FrameHandshake, Namespaces: config.Namespaces,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, base.String()+"/poll/handshake", bytes.NewReader(request),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("long-poll handshake failed with %d: %s", resp.StatusCode, body)
	}
	ack, err := expectHandshake(body)
	if err != nil {
		return nil, err
	}

	// The hub holds a poll for one ping interval, well inside the pong timeout
	pollTimeout := time.Second * 30
	if ack.Keepalive != nil && ack.Keepalive.PongTimeout > 0 {
		pollTimeout = ack.Keepalive.PongTimeout
	}
	pollCtxt, stopPoll := context.WithCancel(context.Background())
	client := &pollingConnection{
		Component: common.Component{LogTags: common.Component{LogTags: logTags}.ChildLogTags(
			log.Fields{"connection": ack.ID, "transport": TransportPolling},
		)},
		id:         ack.ID,
		sessionURL: base.String() + "/poll/" + url.PathEscape(ack.ID),
		config:     config,
		httpClient: &http.Client{Timeout: pollTimeout},
		done:       make(chan struct{}),
		stopPoll:   stopPoll,
	}
	go client.pollLoop(pollCtxt)
	return client, nil
}

func (c *pollingConnection) ID() string {
	return c.id
}

func (c *pollingConnection) Transport() string {
	return TransportPolling
}

func (c *pollingConnection) Done() <-chan struct{} {
	return c.done
}

// Send post one frame to the hub
func (c *pollingConnection) Send(ctxt context.Context, frame common.Frame) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	raw, err := common.EncodeFrame(frame)
	if err != nil {
		return err
	}
	sendCtxt, cancel := context.WithTimeout(ctxt, c.config.WriteTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(
		sendCtxt, http.MethodPost, c.sessionURL, bytes.NewReader(raw),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to send %s", frame)
		c.shutdown()
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.shutdown()
		return ErrConnectionClosed
	default:
		return fmt.Errorf("hub rejected %s with %d", frame, resp.StatusCode)
	}
}

// Close end the session
func (c *pollingConnection) Close() error {
	c.stopPoll()
	ctxt, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctxt, http.MethodDelete, c.sessionURL, nil)
	if err == nil {
		if resp, err := c.httpClient.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	}
	c.shutdown()
	return nil
}

func (c *pollingConnection) shutdown() {
	c.closeOnce.Do(func() {
		c.stopPoll()
		close(c.done)
	})
}

// pollLoop repeatedly poll for frames until the session ends
func (c *pollingConnection) pollLoop(ctxt context.Context) {
	defer c.shutdown()
	for ctxt.Err() == nil {
		frames, err := c.poll(ctxt)
		if err != nil {
			if ctxt.Err() == nil {
				log.WithError(err).WithFields(c.LogTags).Error("Hub session lost")
			}
			return
		}
		for _, frame := range frames {
			handleInbound(c, frame, c.config.OnEvent, c.LogTags)
		}
	}
}

func (c *pollingConnection) poll(ctxt context.Context) ([]common.Frame, error) {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed with %d", resp.StatusCode)
	}
	var frames []common.Frame
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}
