package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"pingx/internal/metrics"
)

const apiBase = "/panel/api/inbounds"

var inboundListPaths = []string{
	apiBase + "/list",
	"/panel/inbounds",
	"/xui/inbound/list",
}

// ListInbounds returns every inbound from the first list endpoint that answers
// with a parseable array.
func (s *Session) ListInbounds(ctx context.Context) ([]Inbound, error) {
	strategies := make([]Strategy, 0, len(inboundListPaths))
	for _, p := range inboundListPaths {
		strategies = append(strategies, getStrategy(p))
	}

	var out []Inbound
	_, _, err := s.tryStrategies(ctx, "list inbounds", strategies, func(resp *Response) error {
		payload, err := envelopePayload(resp)
		if err != nil {
			return err
		}
		if len(payload) == 0 || payload[0] != '[' {
			return fmt.Errorf("%w: %s has no inbound list", ErrBadResponse, resp.Path)
		}
		var list []Inbound
		if err := json.Unmarshal(payload, &list); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadResponse, resp.Path, err)
		}
		out = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetInbound reads one inbound, falling back to a scan of the full list.
func (s *Session) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	var found *Inbound
	_, _, err := s.tryStrategies(ctx, "get inbound", []Strategy{
		getStrategy(fmt.Sprintf("%s/get/%d", apiBase, id)),
	}, func(resp *Response) error {
		payload, err := envelopePayload(resp)
		if err != nil {
			return err
		}
		if len(payload) == 0 || payload[0] != '{' {
			return fmt.Errorf("%w: inbound %d", ErrNotFound, id)
		}
		var in Inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadResponse, resp.Path, err)
		}
		found = &in
		return nil
	})
	if err == nil {
		return found, nil
	}
	if errors.Is(err, ErrAuth) {
		return nil, err
	}

	list, listErr := s.ListInbounds(ctx)
	if listErr != nil {
		return nil, listErr
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("inbound %d: %w", id, ErrNotFound)
}

// GetClient reads the inbound and returns the client matching id or email.
func (s *Session) GetClient(ctx context.Context, inboundID int, clientID, email string) (*Client, error) {
	in, err := s.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	idx := in.FindClient(clientID, email)
	if idx < 0 {
		return nil, fmt.Errorf("client %q on inbound %d: %w", firstNonEmpty(clientID, email), inboundID, ErrNotFound)
	}
	c := in.Settings.Clients[idx]
	return &c, nil
}

// AddClient creates a client and confirms it by reading the inbound back.
// An existing client with the same email is adopted and patched instead of
// duplicated. When no create call can be confirmed the client is appended to
// the inbound's client list and the whole inbound is written back.
func (s *Session) AddClient(ctx context.Context, inboundID int, spec ClientSpec) (*Client, error) {
	in, err := s.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	want := NewClient(spec)
	if idx := in.FindClient("", want.Email); idx >= 0 {
		s.logger.Info("Adopting existing panel client",
			zap.Int("inbound_id", inboundID),
			zap.String("email", want.Email),
		)
		metrics.PanelWrites.WithLabelValues("add_client", "adopted").Inc()
		return s.adoptClient(ctx, in, idx, want)
	}

	clientJSON, err := json.Marshal(want)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(InboundSettings{Clients: []Client{want}})
	if err != nil {
		return nil, err
	}
	addPath := apiBase + "/addClient"
	strategies := []Strategy{
		postJSON(addPath, map[string]interface{}{"id": inboundID, "settings": string(settingsJSON)}),
		postJSON(addPath, map[string]interface{}{"id": inboundID, "client": string(clientJSON)}),
		postForm(addPath, map[string]string{"id": strconv.Itoa(inboundID), "settings": string(settingsJSON)}),
	}

	var created *Client
	_, _, err = s.tryStrategies(ctx, "add client", strategies, func(resp *Response) error {
		if err := acceptEnvelope(resp); err != nil {
			var rej *RejectedError
			if errors.As(err, &rej) && isDuplicateMsg(rej.Msg) {
				return fmt.Errorf("%w: %s", ErrConflict, rej.Msg)
			}
			return err
		}
		c, err := s.verifyClient(ctx, inboundID, want.ID, want.Email)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err == nil {
		metrics.PanelWrites.WithLabelValues("add_client", "verified").Inc()
		return created, nil
	}
	if errors.Is(err, ErrAuth) {
		return nil, err
	}
	s.logger.Warn("Panel addClient unconfirmed, running repair",
		zap.Int("inbound_id", inboundID),
		zap.String("email", want.Email),
		zap.Error(err),
	)
	return s.repairAdd(ctx, inboundID, want, err)
}

// repairAdd is the single repair attempt after addClient could not be confirmed.
func (s *Session) repairAdd(ctx context.Context, inboundID int, want Client, cause error) (*Client, error) {
	in, err := s.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (repair read: %v)", ErrUnverified, cause, err)
	}
	if idx := in.FindClient(want.ID, want.Email); idx >= 0 {
		metrics.PanelWrites.WithLabelValues("add_client", "adopted").Inc()
		return s.adoptClient(ctx, in, idx, want)
	}

	in.Settings.Clients = append(in.Settings.Clients, want)
	if err := s.writeInbound(ctx, in); err != nil {
		metrics.PanelWrites.WithLabelValues("add_client", "unverified").Inc()
		return nil, fmt.Errorf("%w: %v (inbound rewrite: %v)", ErrUnverified, cause, err)
	}
	c, err := s.verifyClient(ctx, inboundID, want.ID, want.Email)
	if err != nil {
		metrics.PanelWrites.WithLabelValues("add_client", "unverified").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnverified, cause)
	}
	metrics.PanelWrites.WithLabelValues("add_client", "repaired").Inc()
	return c, nil
}

// adoptClient takes over an existing client, filling in whatever the new
// allocation needs and the existing one lacks.
func (s *Session) adoptClient(ctx context.Context, in *Inbound, idx int, want Client) (*Client, error) {
	c := in.Settings.Clients[idx]
	changed := false
	if c.SubID == "" {
		c.SubID = want.SubID
		changed = true
	}
	if c.ExpiryTime == 0 && want.ExpiryTime != 0 {
		c.ExpiryTime = want.ExpiryTime
		changed = true
	}
	if c.TotalBytes == 0 && want.TotalBytes > 0 {
		c.TotalBytes = want.TotalBytes
		changed = true
	}
	if !changed {
		return &c, nil
	}
	return s.UpdateClient(ctx, in.ID, c.ID, c)
}

// UpdateClient writes c over the client identified by clientID and confirms
// the write by reading it back. When no update endpoint can be confirmed the
// entire inbound record is rewritten with c in place.
func (s *Session) UpdateClient(ctx context.Context, inboundID int, clientID string, c Client) (*Client, error) {
	clientJSON, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(InboundSettings{Clients: []Client{c}})
	if err != nil {
		return nil, err
	}
	escaped := url.PathEscape(clientID)
	flatPath := fmt.Sprintf("%s/updateClient/%s", apiBase, escaped)
	nestedPath := fmt.Sprintf("%s/%d/updateClient/%s", apiBase, inboundID, escaped)
	strategies := []Strategy{
		postJSON(flatPath, map[string]interface{}{"id": inboundID, "settings": string(settingsJSON)}),
		postJSON(flatPath, map[string]interface{}{"id": inboundID, "client": string(clientJSON)}),
		postJSON(nestedPath, map[string]interface{}{"id": inboundID, "client": string(clientJSON)}),
		postForm(flatPath, map[string]string{"id": strconv.Itoa(inboundID), "settings": string(settingsJSON)}),
	}

	var updated *Client
	_, _, err = s.tryStrategies(ctx, "update client", strategies, func(resp *Response) error {
		if err := acceptEnvelope(resp); err != nil {
			return err
		}
		got, err := s.verifyClient(ctx, inboundID, c.ID, c.Email)
		if err != nil {
			return err
		}
		if !sameAllocation(got, &c) {
			return fmt.Errorf("%w: client %s not updated", ErrUnverified, c.ID)
		}
		updated = got
		return nil
	})
	if err == nil {
		metrics.PanelWrites.WithLabelValues("update_client", "verified").Inc()
		return updated, nil
	}
	if errors.Is(err, ErrAuth) {
		return nil, err
	}

	s.logger.Warn("Panel updateClient unconfirmed, rewriting inbound",
		zap.Int("inbound_id", inboundID),
		zap.String("client_id", clientID),
		zap.Error(err),
	)
	in, readErr := s.GetInbound(ctx, inboundID)
	if readErr != nil {
		return nil, fmt.Errorf("%w: %v (repair read: %v)", ErrUnverified, err, readErr)
	}
	idx := in.FindClient(clientID, c.Email)
	if idx < 0 {
		return nil, fmt.Errorf("client %s on inbound %d: %w", clientID, inboundID, ErrNotFound)
	}
	in.Settings.Clients[idx] = c
	if werr := s.writeInbound(ctx, in); werr != nil {
		metrics.PanelWrites.WithLabelValues("update_client", "unverified").Inc()
		return nil, fmt.Errorf("%w: %v (inbound rewrite: %v)", ErrUnverified, err, werr)
	}
	got, verr := s.verifyClient(ctx, inboundID, c.ID, c.Email)
	if verr != nil || !sameAllocation(got, &c) {
		metrics.PanelWrites.WithLabelValues("update_client", "unverified").Inc()
		return nil, fmt.Errorf("%w: client %s after inbound rewrite", ErrUnverified, c.ID)
	}
	metrics.PanelWrites.WithLabelValues("update_client", "repaired").Inc()
	return got, nil
}

// RotateSubID assigns a fresh subscription id to the client and returns it.
func (s *Session) RotateSubID(ctx context.Context, inboundID int, clientID string) (string, error) {
	c, err := s.GetClient(ctx, inboundID, clientID, "")
	if err != nil {
		return "", err
	}
	c.SubID = randomHex(8)
	updated, err := s.UpdateClient(ctx, inboundID, c.ID, *c)
	if err != nil {
		return "", err
	}
	return updated.SubID, nil
}

// GetClientStats returns live traffic and expiry. The inbound's embedded
// counters are tried first; the dedicated traffic endpoints are the fallback.
func (s *Session) GetClientStats(ctx context.Context, inboundID int, clientID, email string) (*ClientStats, error) {
	in, err := s.GetInbound(ctx, inboundID)
	if err == nil {
		if idx := in.FindClient(clientID, email); idx >= 0 {
			c := in.Settings.Clients[idx]
			st, ok := in.StatsFor(c.Email)
			if !ok {
				st = ClientStats{
					InboundID: inboundID,
					Email:     c.Email,
					Enable:    c.Enable,
					Up:        rawInt64(c.Extra["up"]),
					Down:      rawInt64(c.Extra["down"]),
				}
			}
			if st.Total == 0 {
				st.Total = c.TotalBytes
			}
			if st.ExpiryTime == 0 {
				st.ExpiryTime = c.ExpiryTime
			}
			return &st, nil
		}
	} else if errors.Is(err, ErrAuth) {
		return nil, err
	}

	query := map[string]string{"inboundId": strconv.Itoa(inboundID)}
	var strategies []Strategy
	if key := firstNonEmpty(email, clientID); key != "" {
		st := getStrategy(apiBase + "/getClientTraffics/" + url.PathEscape(key))
		st.Query = query
		strategies = append(strategies, st)
	}
	if clientID != "" {
		st := getStrategy(apiBase + "/getClientTrafficsById/" + url.PathEscape(clientID))
		st.Query = query
		strategies = append(strategies, st)
	}

	var stats *ClientStats
	_, _, err = s.tryStrategies(ctx, "client stats", strategies, func(resp *Response) error {
		payload, err := envelopePayload(resp)
		if err != nil {
			return err
		}
		switch {
		case len(payload) == 0:
			return fmt.Errorf("%w: no traffic for %s", ErrNotFound, firstNonEmpty(email, clientID))
		case payload[0] == '{':
			var st ClientStats
			if err := json.Unmarshal(payload, &st); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrBadResponse, resp.Path, err)
			}
			stats = &st
			return nil
		case payload[0] == '[':
			var rows []ClientStats
			if err := json.Unmarshal(payload, &rows); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrBadResponse, resp.Path, err)
			}
			for i := range rows {
				if rows[i].matches(clientID, email) {
					stats = &rows[i]
					return nil
				}
			}
			return fmt.Errorf("%w: no traffic for %s", ErrNotFound, firstNonEmpty(email, clientID))
		}
		return fmt.Errorf("%w: %s", ErrBadResponse, resp.Path)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// verifyClient re-reads the inbound and looks for the client.
func (s *Session) verifyClient(ctx context.Context, inboundID int, id, email string) (*Client, error) {
	in, err := s.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	idx := in.FindClient(id, email)
	if idx < 0 {
		return nil, fmt.Errorf("%w: client %s not present on inbound %d", ErrUnverified, firstNonEmpty(email, id), inboundID)
	}
	c := in.Settings.Clients[idx]
	return &c, nil
}

// writeInbound sends the entire inbound back. Partial writes are avoided here
// on purpose: some panel builds reset omitted inbound fields.
func (s *Session) writeInbound(ctx context.Context, in *Inbound) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/update/%d", apiBase, in.ID)
	_, _, err = s.tryStrategies(ctx, "update inbound", []Strategy{
		postJSON(path, json.RawMessage(body)),
		postForm(path, inboundForm(body)),
	}, acceptEnvelope)
	return err
}

// inboundForm flattens an inbound record into form fields, nested values
// encoded as JSON strings.
func inboundForm(body []byte) map[string]string {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(body, &fields)
	form := make(map[string]string, len(fields))
	for k, v := range fields {
		switch x := rawValue(v).(type) {
		case string:
			form[k] = x
		case json.Number:
			form[k] = x.String()
		case bool:
			form[k] = strconv.FormatBool(x)
		case nil:
		default:
			form[k] = string(bytes.TrimSpace(v))
		}
	}
	return form
}

func envelopePayload(resp *Response) (json.RawMessage, error) {
	env, err := resp.Envelope()
	if err != nil {
		return nil, err
	}
	if env.Success != nil && !*env.Success {
		return nil, &RejectedError{Path: resp.Path, Msg: env.Msg}
	}
	return bytes.TrimSpace(env.Payload()), nil
}

func sameAllocation(got, want *Client) bool {
	return got.SubID == want.SubID &&
		got.ExpiryTime == want.ExpiryTime &&
		got.TotalBytes == want.TotalBytes &&
		got.Enable == want.Enable
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
