package domain

import "errors"

// Sentinel errors for the notification domain. Use errors.Is() to check these.
var (
	// ErrDecode indicates an inbound payload does not match the expected event shape.
	// Redelivering the same bytes cannot succeed.
	ErrDecode = errors.New("decode event")

	// ErrRender indicates the document engine failed to produce the attachment.
	ErrRender = errors.New("render document")

	// ErrTransport indicates the mail transport rejected or failed to deliver a message.
	ErrTransport = errors.New("send email")
)
