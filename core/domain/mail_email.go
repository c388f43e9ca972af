package domain

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Email is a message fetched from the mail provider. Once fetched it is
// immutable; the pipeline never writes to it.
type Email struct {
	MessageID  string
	ThreadID   string
	Sender     string
	Receiver   string
	Subject    string
	Snippet    string
	BodyText   string
	LabelIDs   []string
	ReceivedAt time.Time
}

// SenderDomain returns the part of the sender address after '@', lowered.
// Display-name forms like `"Shop" <offers@flipkart.com>` are handled.
func (e *Email) SenderDomain() string {
	addr := e.Sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// Content returns the text used for content keyword matching, preferring the
// full body and falling back to the snippet.
func (e *Email) Content() string {
	if e.BodyText != "" {
		return e.BodyText
	}
	return e.Snippet
}

// ContentHash fingerprints the classifiable text of the message. Used for
// duplicate-content diagnostics, not identity.
func (e *Email) ContentHash() string {
	h := md5.Sum([]byte(e.Subject + "|" + e.Content() + "|" + e.Sender))
	return hex.EncodeToString(h[:])
}
