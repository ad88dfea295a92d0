// Package models defines core data structures for interactions, clusters, templates and their usage ledger.
package models

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyQuery is returned when a query interaction carries no text.
var ErrEmptyQuery = errors.New("query text cannot be empty")

// InteractionType distinguishes user queries from feedback turns.
type InteractionType string

const (
	InteractionQuery    InteractionType = "query"
	InteractionFeedback InteractionType = "feedback"
)

// Interaction is one user turn. Embedding and ClusterID are filled in after the
// row is created; once clustered, only soft-signal annotation may change.
type Interaction struct {
	ID                string          `json:"id" db:"id"`
	SessionID         string          `json:"session_id" db:"session_id"`
	UserID            string          `json:"user_id,omitempty" db:"user_id"`
	Type              InteractionType `json:"type" db:"type"`
	Text              string          `json:"text" db:"text"`
	Embedding         []float32       `json:"-" db:"embedding"`
	ClusterID         *string         `json:"cluster_id,omitempty" db:"cluster_id"`
	IsNoise           bool            `json:"is_noise" db:"is_noise"`
	ClusteringVersion string          `json:"clustering_version,omitempty" db:"clustering_version"`
	SoftSignal        SoftSignal      `json:"soft_signal,omitempty" db:"soft_signal"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Clustered reports whether the interaction has been assigned to a cluster.
func (i *Interaction) Clustered() bool {
	return i.ClusterID != nil && *i.ClusterID != ""
}

// QueryInput is the inbound payload for the online query path.
type QueryInput struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id,omitempty"`
	Text       string `json:"text"`
	Topic      string `json:"topic"`
	ResponseID string `json:"response_id,omitempty"`
}

// Validate trims the text and rejects empty queries.
func (q *QueryInput) Validate() error {
	q.Text = strings.TrimSpace(q.Text)
	q.Topic = strings.TrimSpace(q.Topic)
	if q.Text == "" {
		return ErrEmptyQuery
	}
	return nil
}

// SoftSignal is an implicit feedback classification derived from user behavior.
type SoftSignal string

const (
	SignalNone             SoftSignal = ""
	SignalRegenerate       SoftSignal = "regenerate"
	SignalFollowUpConfused SoftSignal = "follow_up_confused"
	SignalFollowUpDeeper   SoftSignal = "follow_up_deeper"
	SignalCopied           SoftSignal = "copied"
)

// ImpliedRating maps a soft signal to the rating it stands for on the 1-5 scale.
// The second return is false for signals that carry no rating.
func (s SoftSignal) ImpliedRating() (int, bool) {
	switch s {
	case SignalRegenerate:
		return 1, true
	case SignalFollowUpConfused:
		return 2, true
	case SignalFollowUpDeeper, SignalCopied:
		return 4, true
	default:
		return 0, false
	}
}

// ParseSoftSignal returns the signal for s, or false if s is not a known signal.
func ParseSoftSignal(s string) (SoftSignal, bool) {
	switch sig := SoftSignal(strings.ToLower(strings.TrimSpace(s))); sig {
	case SignalRegenerate, SignalFollowUpConfused, SignalFollowUpDeeper, SignalCopied:
		return sig, true
	case "none", SignalNone:
		return SignalNone, true
	default:
		return "", false
	}
}
