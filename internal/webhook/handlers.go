package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Moxxcompany/lockbay-core/internal/reconcile"
	"github.com/Moxxcompany/lockbay-core/internal/types"
	"github.com/Moxxcompany/lockbay-core/pkg/response"
)

// GinHandlers contains HTTP handlers for provider webhook endpoints
type GinHandlers struct {
	service *Service
	engine  *reconcile.Engine
}

// NewGinHandlers creates a new set of HTTP handlers for webhook ingress
func NewGinHandlers(service *Service, engine *reconcile.Engine) *GinHandlers {
	return &GinHandlers{
		service: service,
		engine:  engine,
	}
}

// ProviderWebhookHandler handles POST requests from payment providers.
// The HTTP status is what drives provider retry behavior: 2xx stops
// redelivery, 5xx requests it. Blocked and duplicate outcomes therefore
// answer 200 even though nothing was applied.
//
// POST /webhooks/:provider
func (h *GinHandlers) ProviderWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := types.Provider(c.Param("provider"))

		header, err := h.service.SignatureHeader(provider)
		if err != nil {
			response.NotFound(c, "Unknown provider")
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			response.BadRequest(c, "Failed to read request body")
			return
		}

		if err := h.service.Verify(provider, body, c.GetHeader(header)); err != nil {
			log.Warn().
				Str("provider", string(provider)).
				Str("remote", c.ClientIP()).
				Msg("webhook signature rejected")
			response.Unauthorized(c, "Invalid signature")
			return
		}

		event, err := h.service.Parse(provider, body)
		if err != nil {
			switch {
			case errors.Is(err, ErrUnhandledEvent):
				// Unknown event types are acknowledged so the provider does
				// not retry forever; nothing on our side consumes them.
				log.Info().Str("provider", string(provider)).Err(err).Msg("webhook event ignored")
				c.JSON(http.StatusOK, response.Response{Success: true})
			case errors.Is(err, ErrStaleEvent):
				log.Warn().Str("provider", string(provider)).Err(err).Msg("webhook replay rejected")
				response.BadRequest(c, "Event outside replay window")
			default:
				response.BadRequest(c, "Malformed payload")
			}
			return
		}

		outcome := h.engine.Process(c.Request.Context(), event)
		if !outcome.ProviderSuccess() {
			response.ServiceUnavailable(c, outcome.Message)
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: outcome})
	}
}
