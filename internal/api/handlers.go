package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"palaver/internal/auth"
	"palaver/internal/models"
	"palaver/internal/ws"
)

const maxSubscriptionBytes = 4 * 1024

// SessionAuth is the authentication collaborator surface the API consumes.
type SessionAuth interface {
	Signup(username, password string) (models.Identity, error)
	Login(req auth.LoginRequest) auth.LoginResponse
	Logoff(token string) error
	Authenticate(token string) (models.Identity, error)
}

// MessageLister serves the initial page load with the full message history.
type MessageLister interface {
	ListMessages() ([]models.Message, error)
}

// PushSubscriber registers browser push subscriptions.
type PushSubscriber interface {
	Enabled() bool
	PublicKey() string
	Subscribe(userID string, subscription []byte) error
}

type API struct {
	auth     SessionAuth
	messages MessageLister
	push     PushSubscriber
}

func New(auth SessionAuth, messages MessageLister, push PushSubscriber) *API {
	return &API{auth: auth, messages: messages, push: push}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and form bodies (the login page posts a form).
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp := a.auth.Login(req)
	if !resp.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("failed to encode login response: %v", err)
		}
		return
	}

	a.setSessionCookie(w, resp)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode login response: %v", err)
	}
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := a.auth.Signup(req.Username, req.Password); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "Username already exists", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Log the fresh account straight in.
	resp := a.auth.Login(req)
	if !resp.Success {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.setSessionCookie(w, resp)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode signup response: %v", err)
	}
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := a.getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := a.auth.Authenticate(a.getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(identity); err != nil {
		log.Printf("failed to encode me response: %v", err)
	}
}

// MessagesHandler returns the full history in creation order, in the same
// shape the websocket delivers live messages.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.messages.ListMessages()
	if err != nil {
		log.Printf("failed to list messages: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	events := make([]models.ServerEvent, len(messages))
	for i, m := range messages {
		events[i] = ws.MessageEvent(m)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		log.Printf("failed to encode messages response: %v", err)
	}
}

func (a *API) PushInfoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"enabled":   a.push.Enabled(),
		"publicKey": a.push.PublicKey(),
	})
	if err != nil {
		log.Printf("failed to encode push info response: %v", err)
	}
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := a.auth.Authenticate(a.getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !a.push.Enabled() {
		http.Error(w, "Push notifications are disabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubscriptionBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.push.Subscribe(identity.UserID, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (a *API) setSessionCookie(w http.ResponseWriter, resp auth.LoginResponse) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
}
