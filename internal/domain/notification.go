package domain

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// NotificationItem describes one logical notification.
//
// A template item has no IDs and only seeds the batch dispatcher. Items that
// reach the delivery queue always carry a non-empty, bounded page of
// subscriber IDs.
//
// Round counts redelivery rounds: a batch re-enqueued for recipients whose
// push service failed transiently carries its parent's Round plus one.
type NotificationItem struct {
	IDs   []int64 `json:"ids"`
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Icon  string  `json:"icon"`
	URL   string  `json:"url"`
	Round int     `json:"round,omitempty"`
}

// Payload is the JSON document delivered to the browser service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// IsTemplate reports whether the item has not been expanded yet.
func (n NotificationItem) IsTemplate() bool {
	return len(n.IDs) == 0
}

// WithIDs returns a copy of the item targeting ids. The slice is copied so
// the clone never aliases the caller's page.
func (n NotificationItem) WithIDs(ids []int64) NotificationItem {
	clone := n
	clone.IDs = append([]int64(nil), ids...)
	return clone
}

// Payload serialises the item to its wire payload.
func (n NotificationItem) Payload() ([]byte, error) {
	b, err := json.Marshal(Payload{
		Title: n.Title,
		Body:  n.Body,
		URL:   n.URL,
		Icon:  n.Icon,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// TestNotificationRequest is the operator-authored notification sent from
// the admin test form.
type TestNotificationRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

func (r *TestNotificationRequest) Validate() error {
	if r.Title == "" || utf8.RuneCountInString(r.Title) > 128 {
		return ErrInvalidTitle
	}
	if r.Body == "" {
		return ErrInvalidBody
	}
	return nil
}

// ContentEvent is raised when a piece of content is published.
// IconRef is a media reference (absolute URL or site-relative file path).
type ContentEvent struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	IconRef     string `json:"icon"`
	Path        string `json:"path"`
}

func (e *ContentEvent) Validate() error {
	if e.Title == "" || utf8.RuneCountInString(e.Title) > 128 {
		return ErrInvalidTitle
	}
	return nil
}
