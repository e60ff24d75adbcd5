package chatapi

import (
	"errors"
	"net/http"

	"chatcore/cmd/internal/auth"
	"chatcore/cmd/internal/chat"
)

// writeServiceError maps a core error kind to an HTTP status and the error envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	msg := code
	var op chat.OpError
	if errors.As(err, &op) && op.Msg != "" {
		msg = op.Msg
	}

	switch {
	case status >= 500:
		h.log.Error("api.request.fail", "path", r.URL.Path, "status", status, "err", err)
		msg = http.StatusText(status)
	case status == http.StatusUnauthorized:
		msg = "authentication required"
	}
	writeError(w, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	}

	switch kind := chat.KindOf(err); kind {
	case chat.ErrInvalidArgument, chat.ErrInvalidParticipant:
		return http.StatusBadRequest, kind.Error()
	case chat.ErrUnauthorized:
		return http.StatusForbidden, kind.Error()
	case chat.ErrNotFound:
		return http.StatusNotFound, kind.Error()
	case chat.ErrDeleteWindowExpired:
		return http.StatusConflict, kind.Error()
	case chat.ErrRateLimited:
		return http.StatusTooManyRequests, kind.Error()
	case chat.ErrTransientStore:
		return http.StatusServiceUnavailable, kind.Error()
	default:
		return http.StatusInternalServerError, "internal"
	}
}
