// Package logbook implements the exposure log operations on top of the
// revision store, the exposure correlator and the query engine.
//
// Every Butler call happens before the storage transaction that uses its
// answer, so no storage lock is ever held while waiting on a registry.
package logbook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsst-sqre/exposurelog/internal/butler"
	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/query"
	"github.com/lsst-sqre/exposurelog/internal/store"
)

// DefaultEditRetries bounds retries of unpinned edits that lose a race.
const DefaultEditRetries = 3

// Write kinds reported to a WriteObserver.
const (
	WriteCreate = "create"
	WriteEdit   = "edit"
	WriteDelete = "delete"
)

// WriteObserver is told about every revision written.
type WriteObserver interface {
	RevisionWritten(kind string)
}

type nopWrites struct{}

func (nopWrites) RevisionWritten(string) {}

// Service is the exposure log.
type Service struct {
	siteID      string
	store       *store.Store
	correlator  *butler.Correlator
	engine      *query.Engine
	clock       message.Clock
	logger      *slog.Logger
	writes      WriteObserver
	editRetries int
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to compute the current day_obs.
func WithClock(c message.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithWriteObserver reports revision writes, for metrics.
func WithWriteObserver(o WriteObserver) Option {
	return func(s *Service) { s.writes = o }
}

// WithEditRetries sets how often an unpinned edit is retried on Conflict.
func WithEditRetries(n int) Option {
	return func(s *Service) { s.editRetries = n }
}

// New creates a service writing as siteID.
func New(siteID string, st *store.Store, correlator *butler.Correlator, opts ...Option) *Service {
	s := &Service{
		siteID:      siteID,
		store:       st,
		correlator:  correlator,
		clock:       message.SystemClock{},
		logger:      slog.Default(),
		writes:      nopWrites{},
		editRetries: DefaultEditRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = query.NewEngine(st, correlator, siteID, s.logger)
	return s
}

// SiteID returns the site this service writes as.
func (s *Service) SiteID() string { return s.siteID }

// NewMessage is the content of a message to add.
type NewMessage struct {
	ObsID        string
	Instrument   string
	SeqNumEnd    *int
	MessageText  string
	Level        *int
	Tags         []string
	URLs         []string
	UserID       string
	UserAgent    string
	IsHuman      bool
	IsNew        bool
	ExposureFlag message.ExposureFlag
}

// Added is the result of AddMessage.
type Added struct {
	message.Revision
	// UnresolvedSeqNums lists sequence numbers in [seq_num, seq_num_end]
	// that no registry knew about when the message was added.
	UnresolvedSeqNums []int `json:"unresolved_seq_nums,omitempty"`
}

// AddMessage creates a new entry about the exposure obs_id.
//
// The exposure is looked up in the site's registries to find day_obs and
// seq_num. If it is not there and IsNew is set, the exposure is assumed to
// be in progress: obs_id must parse and be dated within a day of the
// current day_obs, which becomes the message's day_obs. Otherwise the
// lookup failure is returned.
func (s *Service) AddMessage(ctx context.Context, m NewMessage) (Added, error) {
	if m.ObsID == "" {
		return Added{}, errs.Validation("obs_id", "obs_id is required")
	}
	if m.Instrument == "" {
		return Added{}, errs.Validation("instrument", "instrument is required")
	}
	tags, err := message.NormalizeTags(m.Tags)
	if err != nil {
		return Added{}, err
	}

	var dayObs, seqNum int
	exp, err := s.correlator.ResolveObsID(ctx, s.siteID, m.Instrument, m.ObsID)
	switch {
	case err == nil:
		dayObs, seqNum = exp.DayObs, exp.SeqNum
	case m.IsNew && (errs.IsNotFound(err) || errs.IsUpstreamUnavailable(err)):
		current := message.DayObs(s.clock.Now())
		_, seq, cerr := message.CheckNewObsID(m.ObsID, current)
		if cerr != nil {
			return Added{}, cerr
		}
		dayObs, seqNum = current, seq
		s.logger.Info("adding message for new exposure", "obs_id", m.ObsID, "day_obs", dayObs, "lookup_error", err)
	default:
		return Added{}, err
	}

	var unresolved []int
	if m.SeqNumEnd != nil {
		if *m.SeqNumEnd < seqNum {
			return Added{}, errs.Validation("seq_num_end", "seq_num_end %d precedes seq_num %d", *m.SeqNumEnd, seqNum)
		}
		res, err := s.correlator.ResolveRange(ctx, s.siteID, m.Instrument, dayObs, seqNum, *m.SeqNumEnd)
		if err != nil {
			return Added{}, err
		}
		unresolved = append(append(unresolved, res.Missing...), res.Unavailable...)
	}

	level := message.DefaultLevel
	if m.Level != nil {
		level = *m.Level
	}
	rev, err := s.store.Create(ctx, message.Fields{
		SiteID:       s.siteID,
		ObsID:        m.ObsID,
		Instrument:   m.Instrument,
		DayObs:       dayObs,
		SeqNum:       seqNum,
		SeqNumEnd:    m.SeqNumEnd,
		MessageText:  m.MessageText,
		Level:        level,
		Tags:         tags,
		URLs:         m.URLs,
		UserID:       m.UserID,
		UserAgent:    m.UserAgent,
		IsHuman:      m.IsHuman,
		ExposureFlag: m.ExposureFlag,
	})
	if err != nil {
		return Added{}, fmt.Errorf("add message: %w", err)
	}
	s.writes.RevisionWritten(WriteCreate)
	s.logger.Info("message added", "entry_id", rev.EntryID, "revision_id", rev.RevisionID, "obs_id", rev.ObsID)
	return Added{Revision: rev, UnresolvedSeqNums: unresolved}, nil
}

// EditEntry chains a new revision onto entryID. With parentID empty the
// current valid head is edited, retrying a few times if another edit wins
// the race. With parentID set the edit applies only if parentID is still
// the head; this also revives a deleted entry.
func (s *Service) EditEntry(ctx context.Context, entryID, parentID string, patch message.Patch) (message.Revision, error) {
	if patch.SiteID == nil {
		patch.SiteID = &s.siteID
	}
	attempts := 1
	if parentID == "" {
		attempts += s.editRetries
	}
	var (
		rev message.Revision
		err error
	)
	for i := 0; i < attempts; i++ {
		rev, err = s.store.Edit(ctx, entryID, parentID, patch)
		if !errs.IsConflict(err) {
			break
		}
		s.logger.Debug("edit lost race", "entry_id", entryID, "attempt", i+1)
	}
	if err != nil {
		return message.Revision{}, fmt.Errorf("edit message: %w", err)
	}
	s.writes.RevisionWritten(WriteEdit)
	s.logger.Info("message edited", "entry_id", rev.EntryID, "revision_id", rev.RevisionID, "parent_id", rev.ParentID)
	return rev, nil
}

// EditRevision edits the entry that owns revisionID, requiring revisionID
// to be its head.
func (s *Service) EditRevision(ctx context.Context, revisionID string, patch message.Patch) (message.Revision, error) {
	parent, err := s.store.Revision(ctx, revisionID)
	if err != nil {
		return message.Revision{}, err
	}
	return s.EditEntry(ctx, parent.EntryID, revisionID, patch)
}

// DeleteEntry invalidates entryID. Deleting a deleted entry is a no-op
// that returns the existing tombstone.
func (s *Service) DeleteEntry(ctx context.Context, entryID string) (message.Revision, error) {
	rev, changed, err := s.store.Invalidate(ctx, entryID)
	if err != nil {
		return message.Revision{}, fmt.Errorf("delete message: %w", err)
	}
	if changed {
		s.writes.RevisionWritten(WriteDelete)
		s.logger.Info("message deleted", "entry_id", entryID, "revision_id", rev.RevisionID)
	}
	return rev, nil
}

// DeleteRevision invalidates the entry that owns revisionID.
func (s *Service) DeleteRevision(ctx context.Context, revisionID string) (message.Revision, error) {
	rev, err := s.store.Revision(ctx, revisionID)
	if err != nil {
		return message.Revision{}, err
	}
	return s.DeleteEntry(ctx, rev.EntryID)
}

// GetRevision returns one revision by id.
func (s *Service) GetRevision(ctx context.Context, revisionID string) (message.Revision, error) {
	return s.store.Revision(ctx, revisionID)
}

// Current returns the valid head of entryID.
func (s *Service) Current(ctx context.Context, entryID string) (message.Revision, error) {
	return s.store.Current(ctx, entryID)
}

// History returns every revision of entryID, oldest first.
func (s *Service) History(ctx context.Context, entryID string) ([]message.Revision, error) {
	return s.store.History(ctx, entryID)
}

// FindMessages searches revisions.
func (s *Service) FindMessages(ctx context.Context, f query.Filter) (query.Page, error) {
	return s.engine.Find(ctx, f)
}

// FindExposures queries registry n (1-based) of this site.
func (s *Service) FindExposures(ctx context.Context, registry int, q butler.ExposureQuery) ([]butler.Exposure, error) {
	return s.correlator.FindExposures(ctx, s.siteID, registry, q)
}

// Instruments lists the instruments of each registry of this site.
func (s *Service) Instruments(ctx context.Context) ([]butler.RegistryInstruments, error) {
	return s.correlator.Instruments(ctx, s.siteID)
}

// Configuration describes the running service.
type Configuration struct {
	SiteID     string              `json:"site_id"`
	ButlerURI1 string              `json:"butler_uri_1"`
	ButlerURI2 string              `json:"butler_uri_2"`
	ButlerURI3 string              `json:"butler_uri_3"`
	Sites      map[string][]string `json:"sites"`
}

// Configuration returns the site id and registry URIs.
func (s *Service) Configuration() Configuration {
	c := Configuration{SiteID: s.siteID, Sites: map[string][]string{}}
	for _, site := range s.correlator.Sites() {
		c.Sites[site] = s.correlator.RegistryURIs(site)
	}
	uris := c.Sites[s.siteID]
	for i, dst := range []*string{&c.ButlerURI1, &c.ButlerURI2, &c.ButlerURI3} {
		if i < len(uris) {
			*dst = uris[i]
		}
	}
	return c
}
