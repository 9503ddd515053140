package server

import "context"

type contextKey int

const ctxKeySubject contextKey = iota

// contextWithSubject stores the authenticated subject on the request
// context for downstream handlers.
func contextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// subjectFromContext returns the authenticated subject, if any.
func subjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeySubject).(string)
	return s, ok
}
