package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/timeflow-backend/api/responses"
	pkgAuth "github.com/angelmondragon/timeflow-backend/pkg/auth"
	"github.com/angelmondragon/timeflow-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/timeflow-backend/pkg/errors"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
)

// OpsAccess gates the operational endpoints. Rejections are ordered so a
// probe learns as little as possible: a disabled surface looks like a
// missing route, and environment gating is checked before credentials.
func OpsAccess(app config.AppConfig, ops config.OpsConfig, jwtCfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	allowlist := ops.Allowlist()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ops.Enabled {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "not found"))
				return
			}

			if ops.DevOnly && !app.IsDev() {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "not available in this environment"))
				return
			}

			token := bearerToken(r)
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(jwtCfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			if len(allowlist) == 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ops allowlist not configured"))
				return
			}

			email := strings.ToLower(strings.TrimSpace(claims.Email))
			if !contains(allowlist, email) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "admin access required"))
				return
			}

			ctx := WithUserID(r.Context(), claims.UserID.String())
			ctx = WithEmail(ctx, email)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"user_id":     claims.UserID.String(),
					"actor_email": email,
				})
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
