package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"license-service/internal/domain"
	"license-service/pkg/httputil"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings は上から順に評価する。個別のエラーを種別より先に置く。
var errorMappings = []errorMapping{
	{domain.ErrInvalidTenantID, http.StatusBadRequest, "INVALID_TENANT_ID"},
	{domain.ErrInvalidProductID, http.StatusBadRequest, "INVALID_PRODUCT_ID"},
	{domain.ErrKeySizeTooSmall, http.StatusBadRequest, "KEY_SIZE_TOO_SMALL"},
	{domain.ErrInvalidProductKey, http.StatusBadRequest, "INVALID_PRODUCT_KEY"},
	{domain.ErrLicenseAwaitingApproval, http.StatusBadRequest, "LICENSE_AWAITING_APPROVAL"},
	{domain.ErrInvalidLicense, http.StatusBadRequest, "INVALID_LICENSE"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},

	{domain.ErrKeyNotFound, http.StatusNotFound, "KEY_NOT_FOUND"},
	{domain.ErrLicenseNotFound, http.StatusNotFound, "LICENSE_NOT_FOUND"},
	{domain.ErrProductKeyNotFound, http.StatusNotFound, "PRODUCT_KEY_NOT_FOUND"},
	{domain.ErrActivationNotFound, http.StatusNotFound, "ACTIVATION_NOT_FOUND"},
	{domain.ErrVolumetricLicenseNotFound, http.StatusNotFound, "VOLUMETRIC_LICENSE_NOT_FOUND"},
	{domain.ErrSlotNotFound, http.StatusNotFound, "SLOT_NOT_FOUND"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},

	{domain.ErrCapacityExceeded, http.StatusConflict, "CAPACITY_EXCEEDED"},
	{domain.ErrConcurrencyLimitExceeded, http.StatusConflict, "CONCURRENCY_LIMIT_EXCEEDED"},
	{domain.ErrTotalCapacityExceeded, http.StatusConflict, "TOTAL_CAPACITY_EXCEEDED"},
	{domain.ErrSlotSpaceExhausted, http.StatusConflict, "SLOT_SPACE_EXHAUSTED"},
	{domain.ErrKeyAlreadyExists, http.StatusConflict, "KEY_ALREADY_EXISTS"},
	{domain.ErrLicenseExpired, http.StatusConflict, "LICENSE_EXPIRED"},
	{domain.ErrLicenseRevoked, http.StatusConflict, "LICENSE_REVOKED"},
	{domain.ErrActivationNotActive, http.StatusConflict, "ACTIVATION_NOT_ACTIVE"},
	{domain.ErrSlotNotActive, http.StatusConflict, "SLOT_NOT_ACTIVE"},
	{domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},

	{domain.ErrEncryptedKey, http.StatusUnprocessableEntity, "KEY_PASSWORD_REQUIRED"},
	{domain.ErrWrongPassword, http.StatusUnprocessableEntity, "WRONG_KEY_PASSWORD"},
	{domain.ErrUnsupported, http.StatusUnprocessableEntity, "UNSUPPORTED"},

	{domain.ErrTimeout, http.StatusServiceUnavailable, "TIMEOUT"},
}

// writeError はエラーの種別に応じたステータスとコードでレスポンスを返す。
// 対応付けのないエラーは500としてログに残し、詳細は返さない。
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", verrs.Error())
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				slog.WarnContext(r.Context(), "request did not complete",
					"operation", operation,
					"error", err,
				)
			}
			httputil.Error(w, m.status, m.code, err.Error())
			return
		}
	}
	slog.ErrorContext(r.Context(), "failed to handle request",
		"operation", operation,
		"error", err,
	)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
