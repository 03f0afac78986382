package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// ClientIDHeader identifies the browser whose workspace a request touches.
const ClientIDHeader = "X-Client-ID"

// DefaultClientID is used when the header is absent.
const DefaultClientID = "default"

type clientIDKey struct{}

var validClientID = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// ClientID 把请求头里的客户端标识放入 context，格式非法时返回 400。
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ClientIDHeader))
		if id == "" {
			id = DefaultClientID
		}
		if !validClientID.MatchString(id) {
			utils.RespondError(w, http.StatusBadRequest, "invalid "+ClientIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), id)))
	})
}

// WithClientID stores id in ctx.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFrom returns the client id stored by ClientID.
func ClientIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultClientID
}
