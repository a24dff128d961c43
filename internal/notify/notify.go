// Package notify defines the outbound messaging collaborator used by the
// purchase flow and the reconciler.
package notify

import "context"

// Messenger delivers messages to end users. Delivery is best effort;
// callers log errors and move on.
type Messenger interface {
	// DeliverLink sends a subscription link, as QR code and text.
	DeliverLink(ctx context.Context, userID int64, url string) error
	// Notify sends a plain text message.
	Notify(ctx context.Context, userID int64, text string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) DeliverLink(context.Context, int64, string) error { return nil }

func (Nop) Notify(context.Context, int64, string) error { return nil }
