// Package model defines shared data structures for the tender scanner.
package model

import (
	"slices"
	"time"
)

// AdapterKind selects the scraping strategy used for a portal family.
type AdapterKind string

const (
	AdapterStaticList      AdapterKind = "static_list"
	AdapterPaginatedSearch AdapterKind = "paginated_search"
	AdapterAuthenticated   AdapterKind = "authenticated"
	AdapterFileIndex       AdapterKind = "file_index"
	AdapterCSVFeed         AdapterKind = "csv_feed"
)

// NeedsBrowser reports whether the variant drives a remote browser session.
func (k AdapterKind) NeedsBrowser() bool { return k != AdapterCSVFeed }

// Valid reports whether k names a known adapter variant.
func (k AdapterKind) Valid() bool {
	switch k {
	case AdapterStaticList, AdapterPaginatedSearch, AdapterAuthenticated, AdapterFileIndex, AdapterCSVFeed:
		return true
	}
	return false
}

// Selectors are the CSS selectors an adapter uses to read a portal's pages.
// Field selectors are evaluated relative to the matched Row.
type Selectors struct {
	Row          string `yaml:"row" json:"row"`
	ExternalID   string `yaml:"external_id" json:"externalId"`
	ExternalAttr string `yaml:"external_attr" json:"externalAttr,omitempty"` // attribute holding the id instead of text
	Title        string `yaml:"title" json:"title"`
	Organization string `yaml:"organization" json:"organization"`
	Value        string `yaml:"value" json:"value"`
	Posted       string `yaml:"posted" json:"posted"`
	Closing      string `yaml:"closing" json:"closing"`
	Description  string `yaml:"description" json:"description"`
	Location     string `yaml:"location" json:"location"`
	Categories   string `yaml:"categories" json:"categories"`
	Contact      string `yaml:"contact" json:"contact"`
	Link         string `yaml:"link" json:"link"`

	// PageURL is a fmt template receiving the 1-based page number, e.g.
	// "https://example.org/search?q=training&page=%d".
	PageURL string `yaml:"page_url" json:"pageUrl,omitempty"`

	DetailDescription string `yaml:"detail_description" json:"detailDescription,omitempty"`
	DetailContact     string `yaml:"detail_contact" json:"detailContact,omitempty"`
	DetailValue       string `yaml:"detail_value" json:"detailValue,omitempty"`
	Attachment        string `yaml:"attachment" json:"attachment,omitempty"`

	LoginURL      string `yaml:"login_url" json:"loginUrl,omitempty"`
	UsernameField string `yaml:"username_field" json:"usernameField,omitempty"`
	PasswordField string `yaml:"password_field" json:"passwordField,omitempty"`
	SubmitButton  string `yaml:"submit_button" json:"submitButton,omitempty"`
	LoggedInMark  string `yaml:"logged_in_mark" json:"loggedInMark,omitempty"`
}

// PortalDescriptor is the immutable configuration of one procurement portal.
type PortalDescriptor struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	BaseURL        string        `yaml:"base_url" json:"baseUrl"`
	ListURL        string        `yaml:"list_url" json:"listUrl"`
	Kind           AdapterKind   `yaml:"kind" json:"kind"`
	AuthRequired   bool          `yaml:"auth_required" json:"authRequired"`
	Cadence        time.Duration `yaml:"cadence" json:"cadence"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"maxConcurrency"`
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Location       string        `yaml:"location" json:"location"`
	Organization   string        `yaml:"organization" json:"organization"`
	Selectors      Selectors     `yaml:"selectors" json:"selectors"`
}

// RawTenderRecord is a tender as scraped from a portal, before dedup and
// classification. It is discarded once processed.
type RawTenderRecord struct {
	PortalID       string     `json:"portalId"`
	ExternalID     string     `json:"externalId,omitempty"`
	Title          string     `json:"title"`
	Organization   string     `json:"organization"`
	Value          float64    `json:"value"`
	PostedDate     *time.Time `json:"postedDate,omitempty"`
	ClosingDate    *time.Time `json:"closingDate,omitempty"`
	Description    string     `json:"description"`
	Location       string     `json:"location"`
	RawCategories  []string   `json:"rawCategories,omitempty"`
	Contact        string     `json:"contact,omitempty"`
	TenderURL      string     `json:"tenderUrl"`
	AttachmentURLs []string   `json:"attachmentUrls,omitempty"`
}

// Priority ranks a tender for follow-up.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// TenderStatus is the persisted lifecycle state of a tender.
// Tenders are never deleted; only the status moves.
type TenderStatus string

const (
	StatusActive  TenderStatus = "active"
	StatusClosed  TenderStatus = "closed"
	StatusRemoved TenderStatus = "removed"
)

// Attachment describes one extracted attachment file kept with its tender.
type Attachment struct {
	SourceURL   string `json:"sourceUrl"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	ObjectKey   string `json:"objectKey,omitempty"`
	// Excerpt holds the leading text of spreadsheet and plain-text files.
	Excerpt string `json:"excerpt,omitempty"`
}

// Tender is the persisted, deduplicated and classified record.
type Tender struct {
	ID             string       `json:"id"`
	Fingerprint    string       `json:"fingerprint"`
	PortalID       string       `json:"portalId"`
	ExternalID     string       `json:"externalId,omitempty"`
	Title          string       `json:"title"`
	Organization   string       `json:"organization"`
	Value          float64      `json:"value"`
	PostedDate     *time.Time   `json:"postedDate,omitempty"`
	ClosingDate    *time.Time   `json:"closingDate,omitempty"`
	Description    string       `json:"description"`
	Location       string       `json:"location"`
	RawCategories  []string     `json:"rawCategories,omitempty"`
	Contact        string       `json:"contact,omitempty"`
	TenderURL      string       `json:"tenderUrl"`
	AttachmentURLs []string     `json:"attachmentUrls,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Categories     []string     `json:"categories"`
	MatchedCourses []string     `json:"matchedCourses"`
	Priority       Priority     `json:"priority"`
	Status         TenderStatus `json:"status"`
	MissedCycles   int          `json:"missedCycles"`
	FirstSeenAt    time.Time    `json:"firstSeenAt"`
	LastSeenAt     time.Time    `json:"lastSeenAt"`
}

// Clone returns a deep copy of t.
func (t Tender) Clone() Tender {
	c := t
	c.PostedDate = cloneTime(t.PostedDate)
	c.ClosingDate = cloneTime(t.ClosingDate)
	c.RawCategories = slices.Clone(t.RawCategories)
	c.AttachmentURLs = slices.Clone(t.AttachmentURLs)
	c.Attachments = slices.Clone(t.Attachments)
	c.Categories = slices.Clone(t.Categories)
	c.MatchedCourses = slices.Clone(t.MatchedCourses)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Outcome is the terminal result of a crawl run or cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// ExitCode maps an outcome to the code surfaced to the CLI/health layer.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomePartial:
		return 1
	}
	return 2
}

// RunState is the position of a CrawlRun in its state machine.
type RunState string

const (
	RunScheduled RunState = "scheduled"
	RunRunning   RunState = "running"
	RunSuccess   RunState = "success"
	RunPartial   RunState = "partial"
	RunFailed    RunState = "failed"
)

// Terminal reports whether no further transitions can leave s.
func (s RunState) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// RunCounts tallies what a portal run did with the records it saw.
type RunCounts struct {
	Seen      int `json:"seen"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Excluded  int `json:"excluded"`
	Failed    int `json:"failed"`
}

// CrawlRun is the append-only record of one portal task in a cycle.
type CrawlRun struct {
	ID           string         `json:"id"`
	CycleID      string         `json:"cycleId"`
	PortalID     string         `json:"portalId"`
	State        RunState       `json:"state"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	Counts       RunCounts      `json:"counts"`
	ErrorSummary map[string]int `json:"errorSummary,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
}

// Clone returns a deep copy of r.
func (r CrawlRun) Clone() CrawlRun {
	c := r
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	if r.ErrorSummary != nil {
		c.ErrorSummary = make(map[string]int, len(r.ErrorSummary))
		for k, v := range r.ErrorSummary {
			c.ErrorSummary[k] = v
		}
	}
	return c
}

// PortalStats is a per-portal rollup line.
type PortalStats struct {
	PortalID string  `json:"portalId"`
	Count    int     `json:"count"`
	Value    float64 `json:"value"`
}

// Stats is the read-side rollup over active tenders.
type Stats struct {
	TotalTenders int            `json:"totalTenders"`
	TotalValue   float64        `json:"totalValue"`
	ByPortal     []PortalStats  `json:"byPortal"`
	ByCategory   map[string]int `json:"byCategory"`
	ClosingSoon  int            `json:"closingSoon"`
	NewToday     int            `json:"newToday"`
	LastUpdated  *time.Time     `json:"lastUpdated,omitempty"`
	ComputedAt   time.Time      `json:"computedAt"`
}
