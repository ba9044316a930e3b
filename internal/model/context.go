package model

import (
	"encoding/json"
	"time"
)

// Priority is the urgency of an event or reminder.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Recurrence describes a repeating record.
type Recurrence struct {
	Pattern  string `json:"pattern"`
	Interval int    `json:"interval"`
}

// Entities are the structured fields extracted from a message.
type Entities struct {
	Title           string      `json:"title,omitempty"`
	Date            *time.Time  `json:"date,omitempty"`
	EndDate         *time.Time  `json:"end_date,omitempty"`
	Time            string      `json:"time,omitempty"`
	Recurrence      *Recurrence `json:"recurrence,omitempty"`
	Priority        Priority    `json:"priority,omitempty"`
	EventID         string      `json:"event_id,omitempty"`
	IsMultiEvent    bool        `json:"is_multi_event,omitempty"`
	SplitEvents     []string    `json:"split_events,omitempty"`
	LeadTimeMinutes *int        `json:"lead_time_minutes,omitempty"`
	DateText        string      `json:"date_text,omitempty"`
}

// EventMatch is a scored candidate for a free-text reference.
type EventMatch struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
	Score float64   `json:"score"`
}

// Vote is one classifier's opinion. A vote with a non-empty Err abstained.
type Vote struct {
	Voter      string  `json:"voter"`
	Intent     Intent  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Err        string  `json:"error,omitempty"`
}

// Valid reports whether the vote counts toward aggregation.
func (v Vote) Valid() bool {
	return v.Err == "" && v.Intent != ""
}

// Phase run statuses.
const (
	PhaseStatusSuccess = "success"
	PhaseStatusFailed  = "failed"
	PhaseStatusSkipped = "skipped"
)

// PhaseReport records one phase run.
type PhaseReport struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Metadata holds the typed side-channel payloads phases hand to each other.
type Metadata struct {
	Candidates          []EventMatch  `json:"candidates,omitempty"`
	Votes               []Vote        `json:"votes,omitempty"`
	IntentChoices       []Intent      `json:"intent_choices,omitempty"`
	CacheHit            bool          `json:"cache_hit,omitempty"`
	Enrichments         []string      `json:"enrichments,omitempty"`
	PhaseReports        []PhaseReport `json:"phase_reports,omitempty"`
	ClarificationHandle string        `json:"clarification_handle,omitempty"`
}

// Context is the mutable state of one message moving through the pipeline.
type Context struct {
	RawText       string
	ProcessedText string
	Intent        Intent
	Entities      Entities
	Warnings      []string
	Metadata      Metadata
	UserID        string
	Timezone      string
	Original      Inbound

	confidence            float64
	needsClarification    bool
	clarificationQuestion string
}

// NewContext creates a context for an inbound message.
func NewContext(in Inbound) *Context {
	return &Context{
		RawText:       in.Text,
		ProcessedText: in.Text,
		Intent:        IntentUnknown,
		UserID:        in.UserID,
		Timezone:      in.Timezone,
		Original:      in,
	}
}

// Confidence returns the intent confidence in [0,1].
func (c *Context) Confidence() float64 { return c.confidence }

// SetConfidence stores v clamped into [0,1].
func (c *Context) SetConfidence(v float64) {
	switch {
	case v < 0 || v != v:
		v = 0
	case v > 1:
		v = 1
	}
	c.confidence = v
}

// NeedsClarification reports whether the user must answer a question
// before anything is committed.
func (c *Context) NeedsClarification() bool { return c.needsClarification }

// ClarificationQuestion returns the pending question, if any.
func (c *Context) ClarificationQuestion() string { return c.clarificationQuestion }

// AskClarification marks the context as needing an answer to q. An empty
// question is ignored so the flag is never set without one.
func (c *Context) AskClarification(q string) {
	if q == "" {
		return
	}
	c.needsClarification = true
	c.clarificationQuestion = q
}

// ClearClarification drops any pending question.
func (c *Context) ClearClarification() {
	c.needsClarification = false
	c.clarificationQuestion = ""
}

// AddWarning appends a user-visible warning.
func (c *Context) AddWarning(w string) {
	if w != "" {
		c.Warnings = append(c.Warnings, w)
	}
}

// Location resolves the context timezone, falling back to UTC.
func (c *Context) Location() *time.Location {
	return LoadLocation(c.Timezone)
}

// LoadLocation resolves an IANA name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type contextJSON struct {
	RawText               string   `json:"raw_text"`
	ProcessedText         string   `json:"processed_text"`
	Intent                Intent   `json:"intent"`
	Confidence            float64  `json:"confidence"`
	Entities              Entities `json:"entities"`
	NeedsClarification    bool     `json:"needs_clarification"`
	ClarificationQuestion string   `json:"clarification_question,omitempty"`
	Warnings              []string `json:"warnings,omitempty"`
	Metadata              Metadata `json:"metadata"`
	UserID                string   `json:"user_id"`
	Timezone              string   `json:"timezone,omitempty"`
	Original              Inbound  `json:"original"`
}

// MarshalJSON includes the guarded fields.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		RawText:               c.RawText,
		ProcessedText:         c.ProcessedText,
		Intent:                c.Intent,
		Confidence:            c.confidence,
		Entities:              c.Entities,
		NeedsClarification:    c.needsClarification,
		ClarificationQuestion: c.clarificationQuestion,
		Warnings:              c.Warnings,
		Metadata:              c.Metadata,
		UserID:                c.UserID,
		Timezone:              c.Timezone,
		Original:              c.Original,
	})
}

// UnmarshalJSON restores a context saved with MarshalJSON, routing the
// guarded fields through their setters.
func (c *Context) UnmarshalJSON(data []byte) error {
	var cj contextJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	*c = Context{
		RawText:       cj.RawText,
		ProcessedText: cj.ProcessedText,
		Intent:        cj.Intent,
		Entities:      cj.Entities,
		Warnings:      cj.Warnings,
		Metadata:      cj.Metadata,
		UserID:        cj.UserID,
		Timezone:      cj.Timezone,
		Original:      cj.Original,
	}
	c.SetConfidence(cj.Confidence)
	if cj.NeedsClarification {
		c.AskClarification(cj.ClarificationQuestion)
	}
	return nil
}
