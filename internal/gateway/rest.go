package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"linkmonitor/internal/models"
)

const defaultRequestTimeout = 10 * time.Second

// RESTConfig describes the external ticket API.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	States  []string
}

// RESTGateway talks to the ticket API over HTTP.
type RESTGateway struct {
	baseURL string
	token   string
	timeout time.Duration
	states  []string
	client  *http.Client
	log     *logrus.Entry
}

// NewREST creates a REST gateway.
func NewREST(cfg RESTConfig, log *logrus.Entry) (*RESTGateway, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("rest gateway: empty base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("rest gateway: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &RESTGateway{
		baseURL: base,
		token:   cfg.Token,
		timeout: timeout,
		states:  cfg.States,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		log:     log.WithField("component", "gateway"),
	}, nil
}

type ticketList struct {
	Tickets []models.Ticket `json:"tickets"`
}

// FetchPending returns tickets in any of the configured states, in API order.
// A ticket listed under several states is returned once.
func (g *RESTGateway) FetchPending(ctx context.Context) ([]models.Ticket, error) {
	states := g.states
	if len(states) == 0 {
		states = []string{""}
	}

	seen := make(map[string]struct{})
	var out []models.Ticket
	for _, state := range states {
		endpoint := g.baseURL + "/tickets"
		if state != "" {
			endpoint += "?state=" + url.QueryEscape(state)
		}
		var tickets []models.Ticket
		if err := g.getTickets(ctx, endpoint, &tickets); err != nil {
			return nil, err
		}
		for _, t := range tickets {
			if _, dup := seen[t.ID]; dup && t.ID != "" {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
		}
	}
	g.log.WithField("count", len(out)).Debug("fetched pending tickets")
	return out, nil
}

// ApplyMonitoringUpdate patches the ticket's monitoring block. Only the new
// history entry is sent; the API appends it.
func (g *RESTGateway) ApplyMonitoringUpdate(ctx context.Context, ticketID string, update models.MonitoringUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return &Error{Op: "update", TicketID: ticketID, Err: err}
	}
	endpoint := fmt.Sprintf("%s/tickets/%s/monitoring", g.baseURL, url.PathEscape(ticketID))

	resp, err := g.do(ctx, http.MethodPatch, endpoint, body)
	if err != nil {
		return &Error{Op: "update", TicketID: ticketID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &Error{Op: "update", TicketID: ticketID, Status: resp.StatusCode}
	}
	return nil
}

func (g *RESTGateway) getTickets(ctx context.Context, endpoint string, dest *[]models.Ticket) error {
	resp, err := g.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &Error{Op: "fetch", Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: "fetch", Err: err}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var list ticketList
		if err := json.Unmarshal(raw, &list); err != nil {
			return &Error{Op: "fetch", Err: fmt.Errorf("decode tickets: %w", err)}
		}
		*dest = list.Tickets
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &Error{Op: "fetch", Err: fmt.Errorf("decode tickets: %w", err)}
	}
	return nil
}

func (g *RESTGateway) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
