package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trade-execution-core/internal/credentials"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
)

// handleCredentialHealth returns the health record of every tracked
// credential.
func (s *Server) handleCredentialHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"credentials": s.health.Snapshot(),
	})
}

// handleCredentialReset clears a credential's failure history and
// quarantine so an operator can force it back into rotation.
func (s *Server) handleCredentialReset(c *gin.Context) {
	user := c.Param("user")
	venue := c.Param("venue")

	if !s.health.Reset(user, venue) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   true,
			"message": "no health record for credential",
		})
		return
	}

	s.logger.Info().Str("user_id", user).Str("venue", venue).Msg("Credential health reset")
	c.JSON(http.StatusOK, gin.H{
		"reset": true,
		"user":  user,
		"venue": venue,
	})
}

type credentialRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Venue      string `json:"venue" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
}

// handleCredentialStore registers an exchange credential for a user.
// Secrets never appear in the response or the logs.
func (s *Server) handleCredentialStore(c *gin.Context) {
	var body credentialRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   true,
			"message": "user_id, venue, api_key, and api_secret are required",
		})
		return
	}
	if !s.venueSupported(body.Venue) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     true,
			"message":   "unsupported venue",
			"supported": s.venues.Venues(),
		})
		return
	}

	err := s.creds.Store(c.Request.Context(), exchange.Credentials{
		UserID:     body.UserID,
		Venue:      body.Venue,
		APIKey:     body.APIKey,
		APISecret:  body.APISecret,
		Passphrase: body.Passphrase,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", body.UserID).Str("venue", body.Venue).Msg("Credential store failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "could not store credential",
		})
		return
	}

	s.logger.Info().Str("user_id", body.UserID).Str("venue", body.Venue).Msg("Credential stored")
	c.JSON(http.StatusCreated, gin.H{
		"user_id": body.UserID,
		"venue":   body.Venue,
	})
}

// handleCredentialDelete removes a user's credential for a venue.
func (s *Server) handleCredentialDelete(c *gin.Context) {
	user := c.Param("user")
	venue := c.Param("venue")

	err := s.creds.Delete(c.Request.Context(), user, venue)
	if errors.Is(err, credentials.ErrNoCredential) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   true,
			"message": "no credential for user and venue",
		})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user).Str("venue", venue).Msg("Credential delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "could not delete credential",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted": true,
		"user_id": user,
		"venue":   venue,
	})
}

type decisionRequest struct {
	ID        string   `json:"id" binding:"required"`
	UserID    string   `json:"user_id" binding:"required"`
	Symbol    string   `json:"symbol" binding:"required"`
	Side      string   `json:"side" binding:"required"`
	OrderType string   `json:"order_type" binding:"required"`
	Quantity  float64  `json:"quantity" binding:"required,gt=0"`
	Price     *float64 `json:"price"`
	Exchange  string   `json:"exchange" binding:"required"`
}

// handleRegisterDecision stores a decision so it can later be executed.
// Re-registering an existing id is a conflict; the stored decision is
// immutable once execution can reference it.
func (s *Server) handleRegisterDecision(c *gin.Context) {
	var body decisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   true,
			"message": "id, user_id, symbol, side, order_type, quantity, and exchange are required",
		})
		return
	}
	if !s.venueSupported(body.Exchange) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     true,
			"message":   "unsupported venue",
			"supported": s.venues.Venues(),
		})
		return
	}

	decision := &database.Decision{
		ID:        body.ID,
		UserID:    body.UserID,
		Symbol:    body.Symbol,
		Side:      body.Side,
		OrderType: body.OrderType,
		Quantity:  body.Quantity,
		Price:     body.Price,
		Exchange:  body.Exchange,
	}
	created, err := s.db.CreateDecision(c.Request.Context(), decision)
	if err != nil {
		s.logger.Error().Err(err).Str("decision_id", body.ID).Msg("Decision registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "could not register decision",
		})
		return
	}
	if !created {
		c.JSON(http.StatusConflict, gin.H{
			"error":   true,
			"message": "decision already registered",
		})
		return
	}

	s.logger.Info().Str("decision_id", body.ID).Str("user_id", body.UserID).Msg("Decision registered")
	c.JSON(http.StatusCreated, gin.H{
		"decision_id": decision.ID,
		"created_at":  decision.CreatedAt,
	})
}

func (s *Server) venueSupported(venue string) bool {
	for _, v := range s.venues.Venues() {
		if v == venue {
			return true
		}
	}
	return false
}

// handleTriggerReconcile runs one reconciliation pass immediately.
// An already-running pass makes this a no-op with skipped=true.
func (s *Server) handleTriggerReconcile(c *gin.Context) {
	totals := s.reconciler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, totals)
}
