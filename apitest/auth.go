package apitest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsContextKey = contextKey("claims")

// Claims are the access token claims issued by the test identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Token issues a signed access token for subject, valid for the server's TokenTTL.
func (s *Server) Token(subject, email string) string {
	tok, err := s.createJWT(subject, email)
	if err != nil {
		panic(fmt.Sprintf("apitest: sign token: %v", err))
	}
	return tok
}

func (s *Server) createJWT(subject, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
		Email: email,
		Name:  strings.Split(email, "@")[0],
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Server) parseJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func (s *Server) authJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, "Not authenticated")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeError(w, r, http.StatusUnauthorized, "Authorization header format must be Bearer {token}")
			return
		}

		claims, err := s.parseJWT(parts[1])
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFrom(r *http.Request) string {
	claims, _ := r.Context().Value(claimsContextKey).(*Claims)
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// AddUser registers an account for the password grant and returns its subject.
func (s *Server) AddUser(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[email]; ok {
		return acc.Subject
	}
	acc := account{Subject: ulid.Make().String(), Email: email, Password: password}
	s.accounts[email] = acc
	return acc.Subject
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, "invalid_request")
		return
	}

	var acc account
	switch r.PostForm.Get("grant_type") {
	case "password":
		s.mu.Lock()
		found, ok := s.accounts[r.PostForm.Get("username")]
		s.mu.Unlock()
		if !ok || found.Password != r.PostForm.Get("password") {
			writeOAuthError(w, r, "invalid_grant")
			return
		}
		acc = found
	case "refresh_token":
		s.mu.Lock()
		email, ok := s.refresh[r.PostForm.Get("refresh_token")]
		if ok {
			delete(s.refresh, r.PostForm.Get("refresh_token"))
		}
		found := s.accounts[email]
		s.mu.Unlock()
		if !ok {
			writeOAuthError(w, r, "invalid_grant")
			return
		}
		acc = found
	default:
		writeOAuthError(w, r, "unsupported_grant_type")
		return
	}

	access, err := s.createJWT(acc.Subject, acc.Email)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to sign access token")
		writeError(w, r, http.StatusInternalServerError, "Failed to sign token")
		return
	}
	refresh := randomToken()
	s.mu.Lock()
	s.refresh[refresh] = acc.Email
	s.mu.Unlock()

	render.JSON(w, r, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		RefreshToken: refresh,
		ExpiresIn:    int64(s.TokenTTL / time.Second),
	})
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	s.mu.Lock()
	_, exists := s.accounts[req.Email]
	s.mu.Unlock()
	if exists {
		writeError(w, r, http.StatusBadRequest, "User already registered")
		return
	}
	subject := s.AddUser(req.Email, req.Password)
	render.JSON(w, r, map[string]string{"id": subject, "email": req.Email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)
	s.mu.Lock()
	for token, email := range s.refresh {
		if s.accounts[email].Subject == subject {
			delete(s.refresh, token)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeOAuthError(w http.ResponseWriter, r *http.Request, code string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, map[string]string{"error": code})
}

func randomToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
