package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trade-execution-core/internal/guard"
	"trade-execution-core/internal/intent"
)

// executeRequest is the body of POST /decisions/execute
type executeRequest struct {
	DecisionID string `json:"decision_id"`
}

// handleExecuteDecision admits, authenticates, and executes one
// trading decision. Every failure maps to one fixed reason code so
// callers can tell retry-later from do-not-retry.
func (s *Server) handleExecuteDecision(c *gin.Context) {
	var body executeRequest
	// A malformed body has no decision id; the hard gate below turns
	// that into EXECUTION_BLOCKED.
	_ = c.ShouldBindJSON(&body)

	req := guard.Request{
		DecisionID: body.DecisionID,
		Signature:  c.GetHeader("x-decision-signature"),
		Timestamp:  c.GetHeader("x-decision-timestamp"),
		Nonce:      c.GetHeader("x-decision-nonce"),
	}

	if rej := s.guard.Authorize(c.Request.Context(), req); rej != nil {
		abortRejected(c, rej)
		return
	}

	decision, err := s.intents.FindDecision(c.Request.Context(), body.DecisionID)
	if err != nil {
		if errors.Is(err, intent.ErrDecisionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   true,
				"message": "decision not found",
			})
			return
		}
		s.logger.Error().Err(err).Str("decision_id", body.DecisionID).Msg("Decision lookup failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "internal error",
		})
		return
	}

	// The user is only known after the decision lookup, so the
	// per-user limit runs last.
	if rej := s.guard.CheckUserRate(c.Request.Context(), decision.UserID); rej != nil {
		abortRejected(c, rej)
		return
	}

	result, err := s.intents.Execute(c.Request.Context(), decision)
	if err != nil {
		s.logger.Error().Err(err).Str("decision_id", body.DecisionID).Msg("Decision execution failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "execution failed",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func abortRejected(c *gin.Context, rej *guard.Rejection) {
	resp := gin.H{"reason": rej.Reason}
	if rej.RetryAfter > 0 {
		resp["retryAfter"] = rej.RetryAfter
	}
	c.AbortWithStatusJSON(rej.Status, resp)
}
