// AngelaMos | 2026
// ctxkey.go

package authstate

import (
	"context"
)

type contextKey struct{}

func WithContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

func FromContext(ctx context.Context) *Context {
	if authCtx, ok := ctx.Value(contextKey{}).(*Context); ok {
		return authCtx
	}
	return nil
}

// CurrentUser returns the settled user of the request's client, if any.
func CurrentUser(ctx context.Context) *User {
	authCtx := FromContext(ctx)
	if authCtx == nil {
		return nil
	}

	state := authCtx.State()
	if state.Loading {
		return nil
	}
	return state.User
}
