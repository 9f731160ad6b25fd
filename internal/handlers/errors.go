package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// toAppError maps service errors onto the HTTP envelope. Gateway error
// details are logged, never returned.
func toAppError(err error) *apperror.AppError {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var transition *apperror.TransitionError
	switch {
	case errors.Is(err, apperror.ErrSignatureInvalid):
		return apperror.NewDomainError("SIGNATURE_INVALID", "payment signature could not be verified", err, http.StatusBadRequest)
	case errors.Is(err, apperror.ErrInvalidRefundAmount):
		return apperror.NewDomainError("INVALID_REFUND_AMOUNT", "refund amount must be positive and within the refundable balance", err, http.StatusBadRequest)
	case errors.Is(err, apperror.ErrValidation):
		return apperror.NewDomainError("VALIDATION_ERROR", err.Error(), err, http.StatusBadRequest)
	case errors.Is(err, apperror.ErrPaymentNotFound):
		return apperror.NewDomainError("PAYMENT_NOT_FOUND", "payment not found", err, http.StatusNotFound)
	case errors.Is(err, apperror.ErrBookingNotFound):
		return apperror.NewDomainError("BOOKING_NOT_FOUND", "booking not found", err, http.StatusNotFound)
	case errors.Is(err, apperror.ErrAcquirerNotFound):
		return apperror.NewDomainError("ACQUIRER_NOT_FOUND", "acquirer not supported", err, http.StatusNotFound)
	case errors.Is(err, apperror.ErrNotFound):
		return apperror.NewDomainError("NOT_FOUND", "resource not found", err, http.StatusNotFound)
	case errors.Is(err, apperror.ErrExpired):
		return apperror.NewDomainError("PAYMENT_EXPIRED", "payment has expired", err, http.StatusGone)
	case errors.As(err, &transition):
		return apperror.NewDomainError("INVALID_TRANSITION", transition.Error(), err, http.StatusConflict)
	case errors.Is(err, apperror.ErrPaymentInFlight):
		return apperror.NewDomainError("PAYMENT_IN_FLIGHT", "booking already has a payment in progress", err, http.StatusConflict)
	case errors.Is(err, apperror.ErrBookingNotPayable):
		return apperror.NewDomainError("BOOKING_NOT_PAYABLE", "booking cannot be paid in its current state", err, http.StatusConflict)
	case errors.Is(err, apperror.ErrBusy), errors.Is(err, apperror.ErrConcurrentUpdate):
		return apperror.NewDomainError("PAYMENT_BUSY", "payment is being processed, retry shortly", err, http.StatusConflict)
	case errors.Is(err, apperror.ErrConflict):
		return apperror.NewDomainError("CONFLICT", "request conflicts with the payment state", err, http.StatusConflict)
	case errors.Is(err, apperror.ErrUnsupportedOperation):
		return apperror.NewDomainError("UNSUPPORTED_OPERATION", "operation not supported for this acquirer", err, http.StatusUnprocessableEntity)
	case errors.Is(err, apperror.ErrRefundFailed):
		return apperror.NewDomainError("REFUND_FAILED", "refund could not be processed", err, http.StatusBadGateway)
	case errors.Is(err, apperror.ErrAcquirer):
		return apperror.NewDomainError("ACQUIRER_ERROR", "payment provider error", err, http.StatusBadGateway)
	case errors.Is(err, apperror.ErrMissingCredentials):
		return apperror.NewDomainError("ACQUIRER_NOT_CONFIGURED", "acquirer is not configured", err, http.StatusServiceUnavailable)
	}
	return apperror.NewDomainError("INTERNAL_ERROR", "internal server error", err, http.StatusInternalServerError)
}

func respondError(c *gin.Context, op string, err error) {
	appErr := toAppError(err)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("code", appErr.Code),
		zap.Error(err),
	}
	var acqErr *apperror.AcquirerError
	if errors.As(err, &acqErr) {
		fields = append(fields,
			zap.String("acquirer", acqErr.Acquirer),
			zap.String("acquirer_code", acqErr.Code),
			zap.Bool("retryable", acqErr.Retryable),
		)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed", fields...)
	} else {
		telemetry.Logger.Warn("Request rejected", fields...)
	}
	c.JSON(appErr.HTTPStatus, appErr.ToHTTPError())
}
