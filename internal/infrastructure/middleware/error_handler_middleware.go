package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/pkg/errors"
)

// toAppError maps err onto the API's error codes. Errors it does not
// recognise become INTERNAL_ERROR and their text stays out of the response.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.WrapError(err, errors.ErrCodePeerNotFound, "Peer not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidServiceType), stderrors.Is(err, domain.ErrInvalidDisplayName):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, services.ErrExpiredToken),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrUnauthorized):
		return errors.WrapError(err, errors.ErrCodeUnauthorized, "Invalid or expired token", http.StatusUnauthorized)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as a JSON body.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := toAppError(err)
		requestID := c.Writer.Header().Get(RequestIDHeader)

		log := logger.Warnw
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("request failed",
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"request_id", requestID,
			"error", err,
		)

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		if requestID != "" {
			body["request_id"] = requestID
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"stack", zap.StackSkip("", 2).String,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
