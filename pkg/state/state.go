// Package state holds everything that survives between extraction runs: the
// credential set used to reach the API and the per-object progress records.
package state

import (
	"strings"
	"time"
)

// CredentialSet is the persisted token material for one authorization.
// It is replaced wholesale on every refresh; fields are never patched.
type CredentialSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuthID       string    `json:"auth_id"`
	CompanyID    string    `json:"company_id,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// MatchesAuthID reports whether the set belongs to the configured authorization.
// Surrounding whitespace is ignored; everything else must match exactly.
func (c *CredentialSet) MatchesAuthID(configured string) bool {
	if c == nil {
		return false
	}
	id := strings.TrimSpace(c.AuthID)
	return id != "" && id == strings.TrimSpace(configured)
}

// Expired reports whether the access token is missing or expires within margin of now.
func (c *CredentialSet) Expired(now time.Time, margin time.Duration) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Clone returns a copy safe to hand to other components.
func (c *CredentialSet) Clone() *CredentialSet {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ObjectState is the progress record of one object.
type ObjectState struct {
	// LastWatermark is the highest committed incremental field value
	LastWatermark string `json:"last_watermark,omitempty"`
	// PageCursor is the cursor of the next page to fetch in an unfinished run
	PageCursor string `json:"page_cursor,omitempty"`
	// PendingWatermark is the highest value observed by the unfinished run so far
	PendingWatermark string `json:"pending_watermark,omitempty"`
	// RunLowerBound is the filter value the unfinished run was started with
	RunLowerBound string `json:"run_lower_bound,omitempty"`
	// PagesDone counts the pages of the unfinished run already handed off
	PagesDone int `json:"pages_done,omitempty"`
	// OutputOffset is the size of the staged output after the last handed off page
	OutputOffset int64 `json:"output_offset,omitempty"`
	// InProgress is set while a run holds a checkpoint for this object
	InProgress bool      `json:"in_progress,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// HasCheckpoint reports whether an interrupted run left a resumable position.
func (o ObjectState) HasCheckpoint() bool {
	return o.InProgress && o.PageCursor != ""
}

// Checkpoint is the mid-run position persisted after a page is handed off.
type Checkpoint struct {
	Cursor           string
	PendingWatermark string
	RunLowerBound    string
	PagesDone        int
	OutputOffset     int64
}

// Document is the complete persisted state. Version increases on every save.
type Document struct {
	Version     int64                  `json:"version"`
	Credentials *CredentialSet         `json:"credentials,omitempty"`
	Objects     map[string]ObjectState `json:"objects,omitempty"`
	LastRun     time.Time              `json:"last_run,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Objects: make(map[string]ObjectState)}
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return NewDocument()
	}
	cp := &Document{
		Version:     d.Version,
		Credentials: d.Credentials.Clone(),
		Objects:     make(map[string]ObjectState, len(d.Objects)),
		LastRun:     d.LastRun,
	}
	for k, v := range d.Objects {
		cp.Objects[k] = v
	}
	return cp
}
