package mpapi

import "context"

type ctxKey int

const tenantIDKey ctxKey = iota

func withTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func tenantIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}
