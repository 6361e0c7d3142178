package siwa

import "context"

type notificationKey struct{}

// BindNotification stores a verified notification inside the context for downstream handlers.
func BindNotification(ctx context.Context, n *VerifiedToken[ServerNotificationClaims]) context.Context {
	return context.WithValue(ctx, notificationKey{}, n)
}

// NotificationFromContext retrieves a notification previously stored in the context.
func NotificationFromContext(ctx context.Context) (*VerifiedToken[ServerNotificationClaims], bool) {
	if ctx == nil {
		return nil, false
	}
	n, ok := ctx.Value(notificationKey{}).(*VerifiedToken[ServerNotificationClaims])
	return n, ok && n != nil
}
