package domain

import "context"

// Format is a rendering hint for outbound text.
type Format int

const (
	FormatPlain Format = iota
	FormatMarkdown
)

// Target is where replies go. The transport provides two flavours: a reply inside a
// live conversation and an addressed send used by scheduled deliveries.
type Target interface {
	ChatID() int64
	Text(ctx context.Context, text string, format Format) error
	Photo(ctx context.Context, name string, data []byte, caption string) error
	// Progress posts a short-lived status line. The returned func removes it
	// and is safe to call once the work it announced is answered.
	Progress(ctx context.Context, text string) (Dismiss, error)
}

// Dismiss removes a progress message. Failures are logged by the transport.
type Dismiss func(ctx context.Context)
