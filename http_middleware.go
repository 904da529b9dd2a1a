package guard

import (
	"context"
	"errors"
	"net/http"

	"github.com/oarkflow/guard/logger"
	"github.com/oarkflow/guard/utils"
)

type routeParamsKey struct{}

// RouteParams returns the ':name' values bound by the matched route.
func RouteParams(ctx context.Context) map[string]string {
	p, _ := ctx.Value(routeParamsKey{}).(map[string]string)
	return p
}

// HTTPMiddleware enforces the operation bound to each request's route. The
// first matching route wins; an unmatched request is refused with 403.
// PermissionDenied maps to 403, an unresolved actor to 401 and any other
// failure before the handler runs to 500.
func HTTPMiddleware(enforcer *Enforcer, routes []RouteConfig, l logger.Logger) func(http.Handler) http.Handler {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value := r.Method + " " + r.URL.Path
			var (
				op     string
				params map[string]string
			)
			for _, rt := range routes {
				if p, ok := utils.MatchRoute(value, rt.Pattern); ok {
					op, params = rt.Operation, p
					break
				}
			}
			if op == "" {
				l.Debug("no access rule for route", "route", value)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), routeParamsKey{}, params)
			served := false
			err := enforcer.EnforceOperation(ctx, op, func(ctx context.Context) error {
				served = true
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err == nil || served {
				return
			}
			switch {
			case errors.Is(err, ErrPermissionDenied):
				http.Error(w, "forbidden", http.StatusForbidden)
			case errors.Is(err, ErrActorUnresolved):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			default:
				l.Error("access check failed", "route", value, "operation", op, "error", err.Error())
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		})
	}
}
