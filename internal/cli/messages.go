package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/query"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
)

// DefaultUserAgent identifies messages written from the command line.
const DefaultUserAgent = "exposurelog-cli"

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withService opens the stack, runs fn and renders its result.
func withService(opts *RootOptions, cmd *cobra.Command, action string, fn func(context.Context, *logbook.Service) (any, error)) error {
	a, err := openApp(opts, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := opts.formatter(cmd)
	out.VerboseLog("%s (%s)", action, a.describe())
	result, err := fn(commandContext(cmd), a.svc)
	if err != nil {
		return out.Error(action+" failed", err)
	}
	return out.Success(result)
}

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	ObsID        string
	Instrument   string
	SeqNumEnd    int
	Text         string
	Level        int
	Tags         []string
	URLs         []string
	UserID       string
	UserAgent    string
	Human        bool
	New          bool
	ExposureFlag string
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a message about an exposure",
		Long: `Add a message about an exposure.

The exposure is looked up in the site's Butler registries. Pass --new for
an exposure that is still being taken and is not registered yet.

Examples:
  exposurelog add --obs-id AT_O_20240315_000002 --instrument LATISS --user-id alice --text "Dome flat was saturated"
  exposurelog add --obs-id AT_O_20240315_000002 --instrument LATISS --user-id alice --seq-num-end 9 --tag flat --text "Flat sequence"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := logbook.NewMessage{
				ObsID:        opts.ObsID,
				Instrument:   opts.Instrument,
				MessageText:  opts.Text,
				Tags:         opts.Tags,
				URLs:         opts.URLs,
				UserID:       opts.UserID,
				UserAgent:    opts.UserAgent,
				IsHuman:      opts.Human,
				IsNew:        opts.New,
				ExposureFlag: message.ExposureFlag(opts.ExposureFlag),
			}
			if cmd.Flags().Changed("seq-num-end") {
				m.SeqNumEnd = &opts.SeqNumEnd
			}
			if cmd.Flags().Changed("level") {
				m.Level = &opts.Level
			}
			return withService(opts.RootOptions, cmd, "add message", func(ctx context.Context, svc *logbook.Service) (any, error) {
				return svc.AddMessage(ctx, m)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ObsID, "obs-id", "", "observation id (required)")
	_ = cmd.MarkFlagRequired("obs-id")
	cmd.Flags().StringVar(&opts.Instrument, "instrument", "", "instrument name (required)")
	_ = cmd.MarkFlagRequired("instrument")
	cmd.Flags().StringVar(&opts.Text, "text", "", "message text (required)")
	_ = cmd.MarkFlagRequired("text")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "author (required)")
	_ = cmd.MarkFlagRequired("user-id")
	cmd.Flags().IntVar(&opts.SeqNumEnd, "seq-num-end", 0, "last sequence number the message covers")
	cmd.Flags().IntVar(&opts.Level, "level", 0, "message level")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&opts.URLs, "url", nil, "related URL (repeatable)")
	cmd.Flags().StringVar(&opts.UserAgent, "user-agent", DefaultUserAgent, "client name")
	cmd.Flags().BoolVar(&opts.Human, "human", true, "written by a person")
	cmd.Flags().BoolVar(&opts.New, "new", false, "exposure may not be registered yet")
	cmd.Flags().StringVar(&opts.ExposureFlag, "exposure-flag", string(message.FlagNone), "none|junk|questionable")

	return cmd
}

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	ParentID     string
	Text         string
	Level        int
	Tags         []string
	URLs         []string
	UserID       string
	UserAgent    string
	Human        bool
	ExposureFlag string
}

func (o *EditOptions) patch(cmd *cobra.Command) message.Patch {
	var p message.Patch
	changed := cmd.Flags().Changed
	if changed("text") {
		p.MessageText = &o.Text
	}
	if changed("level") {
		p.Level = &o.Level
	}
	if changed("tag") {
		p.Tags = &o.Tags
	}
	if changed("url") {
		p.URLs = &o.URLs
	}
	if changed("user-id") {
		p.UserID = &o.UserID
	}
	if changed("user-agent") {
		p.UserAgent = &o.UserAgent
	}
	if changed("human") {
		p.IsHuman = &o.Human
	}
	if changed("exposure-flag") {
		flag := message.ExposureFlag(o.ExposureFlag)
		p.ExposureFlag = &flag
	}
	return p
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <entry-id>",
		Short: "Revise a message",
		Long: `Append a revision to an entry. Only the flags given change; the rest is
copied from the current revision.

With --parent the edit is refused if that revision is no longer the
entry's head.

Examples:
  exposurelog edit 0190a1b2-... --text "Dome flat was fine after all"
  exposurelog edit 0190a1b2-... --parent 0190a1c4-... --tag flat --tag rerun`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := opts.patch(cmd)
			return withService(opts.RootOptions, cmd, "edit entry", func(ctx context.Context, svc *logbook.Service) (any, error) {
				return svc.EditEntry(ctx, args[0], opts.ParentID, patch)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "revision the edit must follow")
	cmd.Flags().StringVar(&opts.Text, "text", "", "message text")
	cmd.Flags().IntVar(&opts.Level, "level", 0, "message level")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable, replaces all tags)")
	cmd.Flags().StringSliceVar(&opts.URLs, "url", nil, "related URL (repeatable, replaces all URLs)")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "author")
	cmd.Flags().StringVar(&opts.UserAgent, "user-agent", DefaultUserAgent, "client name")
	cmd.Flags().BoolVar(&opts.Human, "human", true, "written by a person")
	cmd.Flags().StringVar(&opts.ExposureFlag, "exposure-flag", "", "none|junk|questionable")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Delete a message",
		Long: `Delete an entry by appending a tombstone revision. Earlier revisions are
kept and remain visible in the history. Deleting twice is a no-op.

Example:
  exposurelog delete 0190a1b2-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, "delete entry", func(ctx context.Context, svc *logbook.Service) (any, error) {
				return svc.DeleteEntry(ctx, args[0])
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <entry-id>",
		Short: "Show every revision of a message",
		Long: `Show the revision chain of an entry, oldest first.

Example:
  exposurelog history 0190a1b2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, "entry history", func(ctx context.Context, svc *logbook.Service) (any, error) {
				return svc.History(ctx, args[0])
			})
		},
	}
}

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	SiteIDs          []string
	Instruments      []string
	ObsID            string
	MinDayObs        int
	MaxDayObs        int
	MinSeqNum        int
	MaxSeqNum        int
	MinDateAdded     string
	MaxDateAdded     string
	Tags             []string
	TagMatch         string
	ExcludeTags      []string
	UserIDs          []string
	Text             string
	MinLevel         int
	MaxLevel         int
	Validity         string
	ValidateExposure bool
	Limit            int
	Cursor           string
}

func (o *FindOptions) filter(cmd *cobra.Command) (query.Filter, error) {
	f := query.Filter{
		SiteIDs:          o.SiteIDs,
		Instruments:      o.Instruments,
		ObsID:            o.ObsID,
		Tags:             o.Tags,
		TagMatch:         queryir.TagMatch(o.TagMatch),
		ExcludeTags:      o.ExcludeTags,
		UserIDs:          o.UserIDs,
		MessageText:      o.Text,
		Validity:         queryir.Validity(o.Validity),
		ValidateExposure: o.ValidateExposure,
		Limit:            o.Limit,
		Cursor:           o.Cursor,
	}
	changed := cmd.Flags().Changed
	for name, dst := range map[string]**int{
		"min-day-obs": &f.MinDayObs,
		"max-day-obs": &f.MaxDayObs,
		"min-seq-num": &f.MinSeqNum,
		"max-seq-num": &f.MaxSeqNum,
		"min-level":   &f.MinLevel,
		"max-level":   &f.MaxLevel,
	} {
		if changed(name) {
			v, _ := cmd.Flags().GetInt(name)
			*dst = &v
		}
	}
	for name, raw := range map[string]string{
		"min-date-added": o.MinDateAdded,
		"max-date-added": o.MaxDateAdded,
	} {
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			field := strings.ReplaceAll(name, "-", "_")
			return query.Filter{}, errs.Validation(field, "%s must be an RFC 3339 time, got %q", field, raw)
		}
		if name == "min-date-added" {
			f.MinDateAdded = &t
		} else {
			f.MaxDateAdded = &t
		}
	}
	return f, nil
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Search messages",
		Long: `Search messages, newest first. Results are paged; pass the printed
cursor back with --cursor for the next page. Max bounds are exclusive;
dates are RFC 3339.

Examples:
  exposurelog find --instrument LATISS --tag flat
  exposurelog find --obs-id AT_O_20240315_000002 --validate-exposure
  exposurelog find --min-seq-num 10 --max-seq-num 20 --min-date-added 2024-03-15T00:00:00Z
  exposurelog find --text saturated --validity either --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.filter(cmd)
			if err != nil {
				return opts.formatter(cmd).Error("find messages failed", err)
			}
			return withService(opts.RootOptions, cmd, "find messages", func(ctx context.Context, svc *logbook.Service) (any, error) {
				return svc.FindMessages(ctx, f)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.SiteIDs, "site-id", nil, "site (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Instruments, "instrument", nil, "instrument (repeatable)")
	cmd.Flags().StringVar(&opts.ObsID, "obs-id", "", "observation id")
	cmd.Flags().IntVar(&opts.MinDayObs, "min-day-obs", 0, "earliest day_obs (inclusive)")
	cmd.Flags().IntVar(&opts.MaxDayObs, "max-day-obs", 0, "latest day_obs (exclusive)")
	cmd.Flags().IntVar(&opts.MinSeqNum, "min-seq-num", 0, "lowest seq_num (inclusive)")
	cmd.Flags().IntVar(&opts.MaxSeqNum, "max-seq-num", 0, "highest seq_num (exclusive)")
	cmd.Flags().StringVar(&opts.MinDateAdded, "min-date-added", "", "earliest date_added (inclusive)")
	cmd.Flags().StringVar(&opts.MaxDateAdded, "max-date-added", "", "latest date_added (exclusive)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&opts.TagMatch, "tag-match", string(queryir.MatchAny), "any|all")
	cmd.Flags().StringSliceVar(&opts.ExcludeTags, "exclude-tag", nil, "tag that must be absent (repeatable)")
	cmd.Flags().StringSliceVar(&opts.UserIDs, "user-id", nil, "author (repeatable)")
	cmd.Flags().StringVar(&opts.Text, "text", "", "text the message contains")
	cmd.Flags().IntVar(&opts.MinLevel, "min-level", 0, "lowest level (inclusive)")
	cmd.Flags().IntVar(&opts.MaxLevel, "max-level", 0, "highest level (exclusive)")
	cmd.Flags().StringVar(&opts.Validity, "validity", string(queryir.ValidOnly), "valid|invalid|either")
	cmd.Flags().BoolVar(&opts.ValidateExposure, "validate-exposure", false, "require the exposure to exist in a registry")
	cmd.Flags().IntVar(&opts.Limit, "limit", queryir.DefaultLimit, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from the previous page")

	return cmd
}
