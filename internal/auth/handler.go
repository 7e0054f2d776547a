package auth

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// LoginHandler exchanges credentials for a JWT (POST /api/auth/login)
func LoginHandler(a *Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req loginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
			return
		}

		token, expiresAt, err := a.Authenticate(req.Username, req.Password)
		switch {
		case errors.Is(err, ErrAuthDisabled):
			http.Error(w, `{"error": "authentication is disabled"}`, http.StatusNotFound)
			return
		case errors.Is(err, ErrInvalidCredentials):
			log.Printf("[Auth] Failed login for %q from %s", req.Username, r.RemoteAddr)
			http.Error(w, `{"error": "invalid credentials"}`, http.StatusUnauthorized)
			return
		case err != nil:
			http.Error(w, `{"error": "failed to issue token"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}
