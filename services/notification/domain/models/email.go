package models

// EmailMessage is a fully composed outbound email.
type EmailMessage struct {
	To         string
	Subject    string
	Body       string
	Attachment *RenderedDocument // optional
}
