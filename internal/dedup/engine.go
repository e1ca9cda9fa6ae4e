package dedup

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/matching"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

// Action is what persisting a record amounts to.
type Action string

const (
	ActionInsert    Action = "insert"
	ActionUpdate    Action = "update"
	ActionUnchanged Action = "unchanged"
)

// Finder looks tenders up by fingerprint. It returns store.ErrNotFound for
// an unknown fingerprint.
type Finder interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (model.Tender, error)
}

// Resolution is the dedup decision for one record.
type Resolution struct {
	Action      Action
	Fingerprint string
	// Existing is the stored tender for Update and Unchanged.
	Existing *model.Tender
}

// Engine resolves records against stored tenders.
type Engine struct {
	finder Finder
	newID  func() string
}

// NewEngine returns an Engine reading through finder.
func NewEngine(finder Finder) *Engine {
	return &Engine{finder: finder, newID: uuid.NewString}
}

// Resolve fingerprints r and compares it to the stored tender, if any.
func (e *Engine) Resolve(ctx context.Context, r model.RawTenderRecord) (Resolution, error) {
	fp := Fingerprint(r)
	existing, err := e.finder.FindByFingerprint(ctx, fp)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Resolution{Action: ActionInsert, Fingerprint: fp}, nil
	case err != nil:
		if k := crawlerr.KindOf(err); k == crawlerr.KindCancelled || k == crawlerr.KindPersistence {
			return Resolution{}, err
		}
		return Resolution{}, crawlerr.New(crawlerr.KindPersistence, "resolve", err)
	}

	action := ActionUnchanged
	if Changed(existing, r) {
		action = ActionUpdate
	}
	return Resolution{Action: action, Fingerprint: fp, Existing: &existing}, nil
}

// Changed reports whether any tracked mutable field of r differs from t.
func Changed(t model.Tender, r model.RawTenderRecord) bool {
	return t.Title != r.Title ||
		t.Organization != r.Organization ||
		t.Value != r.Value ||
		!sameTime(t.PostedDate, r.PostedDate) ||
		!sameTime(t.ClosingDate, r.ClosingDate) ||
		t.Description != r.Description ||
		t.Location != r.Location ||
		!slices.Equal(t.RawCategories, r.RawCategories) ||
		t.Contact != r.Contact ||
		t.TenderURL != r.TenderURL ||
		!slices.Equal(t.AttachmentURLs, r.AttachmentURLs)
}

// Apply builds the tender to persist for a resolved record. write is false
// when the stored tender already reflects the sighting and nothing needs to
// be written.
func (e *Engine) Apply(res Resolution, r model.RawTenderRecord, cls matching.Classification, attachments []model.Attachment, now time.Time) (t model.Tender, write bool) {
	if res.Action == ActionInsert || res.Existing == nil {
		t = fromRecord(r)
		t.ID = e.newID()
		t.Fingerprint = res.Fingerprint
		t.FirstSeenAt = now
		t.LastSeenAt = now
		t.Status = model.StatusActive
		if closedBy(t.ClosingDate, now) {
			t.Status = model.StatusClosed
		}
		classify(&t, cls)
		t.Attachments = attachments
		return t, true
	}

	prev := *res.Existing
	if res.Action == ActionUnchanged {
		t = prev.Clone()
		status := sightedStatus(prev.Status, prev.ClosingDate, now)
		if status == prev.Status && prev.MissedCycles == 0 {
			return t, false
		}
		t.Status = status
		t.MissedCycles = 0
		t.LastSeenAt = now
		return t, true
	}

	t = fromRecord(r)
	t.ID = prev.ID
	t.Fingerprint = prev.Fingerprint
	t.FirstSeenAt = prev.FirstSeenAt
	t.LastSeenAt = now
	t.MissedCycles = 0
	t.Status = sightedStatus(prev.Status, t.ClosingDate, now)
	classify(&t, cls)
	t.Attachments = attachments
	if len(attachments) == 0 && slices.Equal(prev.AttachmentURLs, r.AttachmentURLs) {
		t.Attachments = slices.Clone(prev.Attachments)
	}
	return t, true
}

// sightedStatus is the status of a tender that was just seen on its portal.
// A removed tender comes back; a closed one stays closed unless its closing
// date now lies in the future.
func sightedStatus(prev model.TenderStatus, closing *time.Time, now time.Time) model.TenderStatus {
	if closedBy(closing, now) {
		return model.StatusClosed
	}
	switch prev {
	case model.StatusRemoved:
		return model.StatusActive
	case model.StatusClosed:
		if closing != nil {
			return model.StatusActive
		}
		return model.StatusClosed
	}
	return model.StatusActive
}

func closedBy(closing *time.Time, now time.Time) bool {
	return closing != nil && !closing.After(now)
}

func fromRecord(r model.RawTenderRecord) model.Tender {
	return model.Tender{
		PortalID:       r.PortalID,
		ExternalID:     r.ExternalID,
		Title:          r.Title,
		Organization:   r.Organization,
		Value:          r.Value,
		PostedDate:     cloneTime(r.PostedDate),
		ClosingDate:    cloneTime(r.ClosingDate),
		Description:    r.Description,
		Location:       r.Location,
		RawCategories:  slices.Clone(r.RawCategories),
		Contact:        r.Contact,
		TenderURL:      r.TenderURL,
		AttachmentURLs: slices.Clone(r.AttachmentURLs),
	}
}

func classify(t *model.Tender, cls matching.Classification) {
	t.Categories = slices.Clone(cls.Categories)
	t.MatchedCourses = slices.Clone(cls.MatchedCourses)
	t.Priority = cls.Priority
	if t.Priority == "" {
		t.Priority = model.PriorityLow
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
