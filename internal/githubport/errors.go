package githubport

import (
	"errors"
	"net/http"

	"github.com/google/go-github/v68/github"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
)

// classifyErr maps a go-github error into the kinds the pipeline's recovery
// lanes already dispatch on (rerrors.KindOf) and, at the same time, into the
// rerrors.TransientError/PermanentError shapes rerrors.IsTransient actually
// checks for. A bare rerrors.WithKind alone isn't enough: IsTransient has no
// idea what a Kind is, and a wrapped GitHub error's text can itself contain
// a misleading status-code substring (a primary rate-limit response is HTTP
// 403, which IsTransient's own fallback string-matching would read as
// permanent). Wrapping the Kind around an explicit Transient/PermanentError
// fixes the verdict for both callers: errors.As walks Unwrap regardless of
// which wrapper sits outermost, so rerrors.KindOf still finds the *KindError
// and rerrors.IsTransient still finds the nested *TransientError.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return rerrors.WithKind(rerrors.KindRateLimited, rerrors.NewTransientError(err, "GitHub primary rate limit exceeded"))
	}
	var arl *github.AbuseRateLimitError
	if errors.As(err, &arl) {
		return rerrors.WithKind(rerrors.KindRateLimited, rerrors.NewTransientError(err, "GitHub secondary rate limit exceeded"))
	}

	var ge *github.ErrorResponse
	if errors.As(err, &ge) && ge.Response != nil {
		switch ge.Response.StatusCode {
		case http.StatusNotFound:
			return rerrors.WithKind(rerrors.KindNotFound, rerrors.NewPermanentError(err, "GitHub resource not found"))
		case http.StatusUnauthorized, http.StatusForbidden:
			return rerrors.WithKind(rerrors.KindPermissionDenied, rerrors.NewPermanentError(err, "GitHub rejected credentials or scope"))
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return rerrors.WithKind(rerrors.KindConflict, rerrors.NewPermanentError(err, "GitHub request conflicted with current state"))
		default:
			if ge.Response.StatusCode >= 500 {
				return rerrors.WithKind(rerrors.KindTransientNetwork, rerrors.NewTransientError(err, "GitHub server error"))
			}
		}
	}

	return rerrors.WithKind(rerrors.KindTransientNetwork, rerrors.NewTransientError(err, "GitHub request failed"))
}

func notFoundErr() error {
	return rerrors.WithKind(rerrors.KindNotFound, rerrors.NewPermanentError(rerrors.ErrNotFound, "GitHub resource not found"))
}
