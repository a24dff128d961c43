// Package paneltest runs an in-process 3x-ui style panel for tests.
package paneltest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Server is a fake panel. Knob fields may be changed between calls.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu       sync.Mutex
	sessions map[string]bool
	inbounds map[int]*inbound
	calls    map[string]int
	logins   int

	// DropAdds acknowledges this many addClient calls without storing them.
	DropAdds int
	// FailAdds answers every addClient with a 500.
	FailAdds bool
	// IgnoreClientUpdates acknowledges updateClient without applying it.
	IgnoreClientUpdates bool
	// HideGet makes the single-inbound endpoint answer 404.
	HideGet bool
}

type inbound struct {
	ID       int
	Remark   string
	Protocol string
	Port     int
	Clients  []map[string]interface{}
	Stats    map[string]*stats
}

type stats struct {
	Up   int64
	Down int64
}

// New starts a fake panel and closes it with the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Username: "admin",
		Password: "secret",
		sessions: map[string]bool{},
		inbounds: map[int]*inbound{},
		calls:    map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /panel/api/inbounds/list", s.auth(s.handleList))
	mux.HandleFunc("GET /panel/api/inbounds/get/{id}", s.auth(s.handleGet))
	mux.HandleFunc("POST /panel/api/inbounds/addClient", s.auth(s.handleAddClient))
	mux.HandleFunc("POST /panel/api/inbounds/updateClient/{cid}", s.auth(s.handleUpdateClient))
	mux.HandleFunc("POST /panel/api/inbounds/update/{id}", s.auth(s.handleUpdateInbound))
	mux.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{email}", s.auth(s.handleTraffic))
	s.Server = httptest.NewServer(s.count(mux))
	t.Cleanup(s.Server.Close)
	return s
}

// AddInbound registers an empty inbound.
func (s *Server) AddInbound(id int, remark string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbounds[id] = &inbound{ID: id, Remark: remark, Protocol: "vless", Port: 40000 + id, Stats: map[string]*stats{}}
}

// SeedClient stores a client directly, bypassing the API.
func (s *Server) SeedClient(inboundID int, client map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inbounds[inboundID]
	in.Clients = append(in.Clients, client)
	in.Stats[asString(client["email"])] = &stats{}
}

// Client returns a copy of the stored client with the given email.
func (s *Server) Client(inboundID int, email string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inbounds[inboundID]
	if in == nil {
		return nil
	}
	for _, c := range in.Clients {
		if asString(c["email"]) == email {
			cp := make(map[string]interface{}, len(c))
			for k, v := range c {
				cp[k] = v
			}
			return cp
		}
	}
	return nil
}

// ClientCount returns how many clients on the inbound carry email.
func (s *Server) ClientCount(inboundID int, email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.inbounds[inboundID].Clients {
		if asString(c["email"]) == email {
			n++
		}
	}
	return n
}

// SetTraffic sets the usage counters of a client.
func (s *Server) SetTraffic(inboundID int, email string, up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbounds[inboundID].Stats[email] = &stats{Up: up, Down: down}
}

// ExpireSessions forgets every login so the next call sees the login page.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]bool{}
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Calls returns how many requests hit path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("3x-ui")
		s.mu.Lock()
		ok := err == nil && s.sessions[cookie.Value]
		s.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<!DOCTYPE html><html><body><form action=\"/login\"></form></body></html>"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": err.Error()})
		return
	}
	if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "wrong username or password"})
		return
	}
	token := randomHex(16)
	s.mu.Lock()
	s.sessions[token] = true
	s.logins++
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: token, Path: "/"})
	writeJSON(w, map[string]interface{}{"success": true, "msg": "Login Successfully"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]map[string]interface{}, 0, len(s.inbounds))
	for _, in := range s.inbounds {
		list = append(list, in.render())
	}
	writeJSON(w, map[string]interface{}{"success": true, "obj": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HideGet {
		http.NotFound(w, r)
		return
	}
	id, _ := strconv.Atoi(r.PathValue("id"))
	in := s.inbounds[id]
	if in == nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "record not found"})
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "obj": in.render()})
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	id, clients, ok := readClientBody(r)
	if !ok {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "bad request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAdds {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]interface{}{"success": false, "msg": "internal error"})
		return
	}
	in := s.inbounds[id]
	if in == nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "inbound not found"})
		return
	}
	for _, c := range clients {
		for _, existing := range in.Clients {
			if asString(existing["email"]) == asString(c["email"]) {
				writeJSON(w, map[string]interface{}{"success": false, "msg": "Duplicate email: " + asString(c["email"])})
				return
			}
		}
	}
	if s.DropAdds > 0 {
		s.DropAdds--
		writeJSON(w, map[string]interface{}{"success": true, "msg": "Client(s) added Successfully"})
		return
	}
	for _, c := range clients {
		in.Clients = append(in.Clients, c)
		in.Stats[asString(c["email"])] = &stats{}
	}
	writeJSON(w, map[string]interface{}{"success": true, "msg": "Client(s) added Successfully"})
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id, clients, ok := readClientBody(r)
	if !ok || len(clients) != 1 {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "bad request"})
		return
	}
	cid := r.PathValue("cid")
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inbounds[id]
	if in == nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "inbound not found"})
		return
	}
	if s.IgnoreClientUpdates {
		writeJSON(w, map[string]interface{}{"success": true, "msg": "Client updated Successfully"})
		return
	}
	for i, c := range in.Clients {
		if asString(c["id"]) == cid {
			in.Clients[i] = clients[0]
			writeJSON(w, map[string]interface{}{"success": true, "msg": "Client updated Successfully"})
			return
		}
	}
	writeJSON(w, map[string]interface{}{"success": false, "msg": "client not found"})
}

func (s *Server) handleUpdateInbound(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": err.Error()})
		return
	}
	id, _ := strconv.Atoi(r.PathValue("id"))
	var settings struct {
		Clients []map[string]interface{} `json:"clients"`
	}
	if err := json.Unmarshal([]byte(asString(body["settings"])), &settings); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "bad settings"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inbounds[id]
	if in == nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "inbound not found"})
		return
	}
	// a partial record would wipe these on a real panel
	if asString(body["remark"]) == "" || body["port"] == nil {
		writeJSON(w, map[string]interface{}{"success": false, "msg": "incomplete inbound"})
		return
	}
	in.Clients = settings.Clients
	for _, c := range in.Clients {
		if _, ok := in.Stats[asString(c["email"])]; !ok {
			in.Stats[asString(c["email"])] = &stats{}
		}
	}
	writeJSON(w, map[string]interface{}{"success": true, "msg": "Inbound updated Successfully"})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.inbounds {
		for _, c := range in.Clients {
			if asString(c["email"]) == email {
				writeJSON(w, map[string]interface{}{"success": true, "obj": in.statsRow(c)})
				return
			}
		}
	}
	writeJSON(w, map[string]interface{}{"success": true, "obj": nil})
}

func (in *inbound) render() map[string]interface{} {
	settings, _ := json.Marshal(map[string]interface{}{
		"clients":    in.Clients,
		"decryption": "none",
		"fallbacks":  []interface{}{},
	})
	rows := make([]map[string]interface{}, 0, len(in.Clients))
	for _, c := range in.Clients {
		rows = append(rows, in.statsRow(c))
	}
	return map[string]interface{}{
		"id":             in.ID,
		"remark":         in.Remark,
		"protocol":       in.Protocol,
		"port":           in.Port,
		"enable":         true,
		"listen":         "",
		"tag":            "inbound-" + strconv.Itoa(in.Port),
		"settings":       string(settings),
		"streamSettings": "{\"network\":\"tcp\"}",
		"clientStats":    rows,
	}
}

func (in *inbound) statsRow(c map[string]interface{}) map[string]interface{} {
	st := in.Stats[asString(c["email"])]
	if st == nil {
		st = &stats{}
	}
	total := c["totalGB"]
	if total == nil {
		total = c["total"]
	}
	return map[string]interface{}{
		"inboundId":  in.ID,
		"email":      c["email"],
		"enable":     c["enable"],
		"up":         st.Up,
		"down":       st.Down,
		"total":      total,
		"expiryTime": c["expiryTime"],
	}
}

// readClientBody accepts the {"id","settings"} and {"id","client"} shapes,
// JSON or form encoded.
func readClientBody(r *http.Request) (int, []map[string]interface{}, bool) {
	fields := map[string]interface{}{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			return 0, nil, false
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return 0, nil, false
		}
		for k := range r.PostForm {
			fields[k] = r.PostForm.Get(k)
		}
	}
	id, err := strconv.Atoi(asString(fields["id"]))
	if err != nil {
		return 0, nil, false
	}
	if raw := asString(fields["settings"]); raw != "" {
		var settings struct {
			Clients []map[string]interface{} `json:"clients"`
		}
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return 0, nil, false
		}
		return id, settings.Clients, true
	}
	if raw := asString(fields["client"]); raw != "" {
		var c map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return 0, nil, false
		}
		return id, []map[string]interface{}{c}, true
	}
	return 0, nil, false
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
