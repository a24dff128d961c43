package panel

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Client is one allocation inside an inbound. Fields the panel sends that are
// not modelled here are kept in Extra and written back unchanged.
type Client struct {
	ID         string
	Email      string
	Enable     bool
	ExpiryTime int64 // epoch ms, 0 = never
	TotalBytes int64 // 0 = unlimited
	LimitIP    int
	SubID      string
	Extra      map[string]json.RawMessage

	idKey    string // "password" for trojan clients
	hasTotal bool   // panel also reported the legacy "total" key
}

// ClientSpec describes a client to create.
type ClientSpec struct {
	ID         string
	Email      string
	TotalBytes int64
	ExpiryTime int64
	LimitIP    int
	SubID      string
	Remark     string
}

// NewClient fills in a random id and sub id when the ClientSpec leaves them empty.
func NewClient(spec ClientSpec) Client {
	c := Client{
		ID:         spec.ID,
		Email:      spec.Email,
		Enable:     true,
		ExpiryTime: spec.ExpiryTime,
		TotalBytes: spec.TotalBytes,
		LimitIP:    spec.LimitIP,
		SubID:      spec.SubID,
		Extra:      map[string]json.RawMessage{},
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SubID == "" {
		c.SubID = randomHex(6)
	}
	if spec.Remark != "" {
		raw, _ := json.Marshal(spec.Remark)
		c.Extra["remark"] = raw
	}
	return c
}

// Matches reports whether the client has the given id (dashes and case
// ignored) or the given email.
func (c *Client) Matches(id, email string) bool {
	if id != "" && normalizeID(c.ID) == normalizeID(id) {
		return true
	}
	return email != "" && strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(email))
}

func normalizeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

func (c Client) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.Extra)+8)
	for k, v := range c.Extra {
		out[k] = v
	}
	idKey := c.idKey
	if idKey == "" {
		idKey = "id"
	}
	out[idKey] = c.ID
	out["email"] = c.Email
	out["enable"] = c.Enable
	out["expiryTime"] = c.ExpiryTime
	out["totalGB"] = c.TotalBytes
	if c.hasTotal {
		out["total"] = c.TotalBytes
	}
	out["limitIp"] = c.LimitIP
	out["subId"] = c.SubID
	return json.Marshal(out)
}

func (c *Client) UnmarshalJSON(b []byte) error {
	obj, err := decodeObject(b)
	if err != nil {
		return err
	}
	*c = Client{Enable: true}
	c.ID = obj.str("id")
	if c.ID == "" {
		if pw := obj.peekStr("password"); pw != "" {
			c.ID = pw
			c.idKey = "password"
			obj.take("password")
		}
	} else {
		c.idKey = "id"
	}
	c.Email = obj.str("email")
	c.Enable = obj.boolean("enable", true)
	c.ExpiryTime = obj.int64("expiryTime")
	if raw, ok := obj.take("totalGB"); ok {
		c.TotalBytes = rawInt64(raw)
		if legacy, ok := obj.take("total"); ok {
			c.hasTotal = true
			if c.TotalBytes == 0 {
				c.TotalBytes = rawInt64(legacy)
			}
		}
	} else if raw, ok := obj.take("total"); ok {
		c.TotalBytes = rawInt64(raw)
		c.hasTotal = true
	}
	c.LimitIP = int(obj.int64("limitIp"))
	c.SubID = obj.str("subId")
	c.Extra = obj
	return nil
}

// InboundSettings is the decoded "settings" blob of an inbound.
type InboundSettings struct {
	Clients []Client
	Extra   map[string]json.RawMessage
}

func (s InboundSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	clients := s.Clients
	if clients == nil {
		clients = []Client{}
	}
	out["clients"] = clients
	return json.Marshal(out)
}

func (s *InboundSettings) UnmarshalJSON(b []byte) error {
	obj, err := decodeObject(b)
	if err != nil {
		return err
	}
	*s = InboundSettings{}
	if raw, ok := obj.take("clients"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &s.Clients); err != nil {
			return fmt.Errorf("settings.clients: %w", err)
		}
	}
	s.Extra = obj
	return nil
}

// ClientStats is a traffic counter row as reported by the panel.
type ClientStats struct {
	ID         string
	InboundID  int
	Email      string
	Enable     bool
	Up         int64
	Down       int64
	Total      int64
	ExpiryTime int64
}

// matches reports whether the row belongs to the client with id or email.
func (s *ClientStats) matches(id, email string) bool {
	if id != "" && normalizeID(s.ID) == normalizeID(id) {
		return true
	}
	return email != "" && strings.EqualFold(strings.TrimSpace(s.Email), strings.TrimSpace(email))
}

// Used returns up+down.
func (s ClientStats) Used() int64 {
	return s.Up + s.Down
}

func (s *ClientStats) UnmarshalJSON(b []byte) error {
	obj, err := decodeObject(b)
	if err != nil {
		return err
	}
	*s = ClientStats{
		ID:         obj.str("id"),
		InboundID:  int(obj.int64("inboundId")),
		Email:      obj.str("email"),
		Enable:     obj.boolean("enable", true),
		Up:         obj.int64("up"),
		Down:       obj.int64("down"),
		Total:      obj.int64("total"),
		ExpiryTime: obj.int64("expiryTime"),
	}
	return nil
}

// Inbound is a panel listening endpoint with its clients. Unknown fields are
// preserved so the full record can be sent back on update.
type Inbound struct {
	ID          int
	Remark      string
	Protocol    string
	Port        int
	Enable      bool
	Settings    InboundSettings
	ClientStats []ClientStats
	Extra       map[string]json.RawMessage

	settingsObject bool // settings arrived as an object rather than a JSON string
}

// FindClient returns the index of the first client matching id or email, or -1.
func (in *Inbound) FindClient(id, email string) int {
	// id matches win over email matches
	if id != "" {
		for i := range in.Settings.Clients {
			if in.Settings.Clients[i].Matches(id, "") {
				return i
			}
		}
	}
	if email != "" {
		for i := range in.Settings.Clients {
			if in.Settings.Clients[i].Matches("", email) {
				return i
			}
		}
	}
	return -1
}

// StatsFor returns the embedded traffic row for email.
func (in *Inbound) StatsFor(email string) (ClientStats, bool) {
	for _, st := range in.ClientStats {
		if strings.EqualFold(st.Email, email) {
			return st, true
		}
	}
	return ClientStats{}, false
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(in.Extra)+6)
	for k, v := range in.Extra {
		out[k] = v
	}
	out["id"] = in.ID
	out["remark"] = in.Remark
	out["protocol"] = in.Protocol
	out["port"] = in.Port
	out["enable"] = in.Enable
	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return nil, err
	}
	if in.settingsObject {
		out["settings"] = json.RawMessage(settings)
	} else {
		out["settings"] = string(settings)
	}
	return json.Marshal(out)
}

func (in *Inbound) UnmarshalJSON(b []byte) error {
	obj, err := decodeObject(b)
	if err != nil {
		return err
	}
	*in = Inbound{
		ID:       int(obj.int64("id")),
		Remark:   obj.str("remark"),
		Protocol: obj.str("protocol"),
		Port:     int(obj.int64("port")),
		Enable:   obj.boolean("enable", true),
	}
	if raw, ok := obj.take("settings"); ok && !isNull(raw) {
		blob := raw
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return fmt.Errorf("inbound %d settings: %w", in.ID, err)
			}
			blob = []byte(s)
		} else {
			in.settingsObject = true
		}
		if len(bytes.TrimSpace(blob)) > 0 {
			if err := json.Unmarshal(blob, &in.Settings); err != nil {
				return fmt.Errorf("inbound %d settings: %w", in.ID, err)
			}
		}
	}
	if raw, ok := obj.take("clientStats"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.ClientStats); err != nil {
			return fmt.Errorf("inbound %d clientStats: %w", in.ID, err)
		}
	}
	in.Extra = obj
	return nil
}

// object is a decoded JSON object whose keys are consumed as they are read;
// what is left over becomes a type's Extra map.
type object map[string]json.RawMessage

func decodeObject(b []byte) (object, error) {
	var obj object
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = object{}
	}
	return obj, nil
}

func (o object) take(key string) (json.RawMessage, bool) {
	v, ok := o[key]
	if ok {
		delete(o, key)
	}
	return v, ok
}

func (o object) peekStr(key string) string {
	return rawString(o[key])
}

func (o object) str(key string) string {
	v, _ := o.take(key)
	return rawString(v)
}

func (o object) int64(key string) int64 {
	v, _ := o.take(key)
	return rawInt64(v)
}

func (o object) boolean(key string, def bool) bool {
	v, ok := o.take(key)
	if !ok {
		return def
	}
	return boolFromAny(rawValue(v), def)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || string(t) == "null"
}

func rawValue(raw json.RawMessage) interface{} {
	if isNull(raw) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func rawString(raw json.RawMessage) string {
	switch v := rawValue(raw).(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func rawInt64(raw json.RawMessage) int64 {
	return toInt64(rawValue(raw))
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

func boolFromAny(v interface{}, defaultVal bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		return t.String() != "0"
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}

func randomHex(size int) string {
	if size <= 0 {
		size = 8
	}
	b := make([]byte, size)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
