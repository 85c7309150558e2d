package models

import "fmt"

// ContentTypePDF is the MIME type of rendered order summaries.
const ContentTypePDF = "application/pdf"

// RenderedDocument is an attachment produced for a single event. It lives in
// memory only and is owned by the send call that consumes it.
type RenderedDocument struct {
	Filename    string
	ContentType string
	Content     []byte
}

// OrderDocumentFilename returns the attachment name for an order, "order_<id>.pdf".
func OrderDocumentFilename(orderID int64) string {
	return fmt.Sprintf("order_%d.pdf", orderID)
}
