package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"

	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/store"
)

// EntityCommit is the entity kind written by CommitStrategy.
const EntityCommit = "commit"

// Commit record attribute names.
const (
	AttrSHA     = "sha"
	AttrMessage = "message"
	AttrAuthor  = "author"
	AttrDate    = "date"
)

// commitPayload is one entry of the raw commit import payload.
type commitPayload struct {
	SHA     string    `json:"sha" validate:"required"`
	Message string    `json:"message"`
	Author  string    `json:"author" validate:"required"`
	Date    time.Time `json:"date" validate:"required"`
}

// CommitStrategy imports JSON arrays of commit payloads. Entries are matched
// by SHA: re-importing a known commit updates it in place. Invalid entries
// are skipped and collected into the returned error; valid entries are staged
// regardless, preserving partial-import semantics.
type CommitStrategy struct {
	validate *validator.Validate
}

// NewCommitStrategy builds the commit import strategy.
func NewCommitStrategy() *CommitStrategy {
	return &CommitStrategy{validate: validator.New()}
}

// Apply implements Strategy.
func (s *CommitStrategy) Apply(raw json.RawMessage, ctx *store.Context) error {
	var payloads []commitPayload
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return fmt.Errorf("decode commit payload: %v: %w", err, errdefs.ErrInvalidArgument)
	}

	var rejected []error
	for i, p := range payloads {
		if err := s.validate.Struct(&p); err != nil {
			rejected = append(rejected, fmt.Errorf("commit entry %d rejected: %v: %w", i, err, errdefs.ErrInvalidArgument))
			continue
		}

		attrs := map[string]any{
			AttrSHA:     p.SHA,
			AttrMessage: p.Message,
			AttrAuthor:  p.Author,
			AttrDate:    p.Date.UTC().Format(time.RFC3339),
		}

		existing, err := s.findBySHA(ctx, p.SHA)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		if existing != nil {
			existing.Attrs = attrs
			if err := ctx.Update(existing); err != nil {
				rejected = append(rejected, err)
			}
			continue
		}
		ctx.Insert(EntityCommit, attrs)
	}

	if len(rejected) > 0 {
		logger.WithComponent("importer").Warnf("commit import rejected %d of %d entries", len(rejected), len(payloads))
	}
	return errors.Join(rejected...)
}

// findBySHA returns the already-persisted commit with the given SHA, if any.
func (s *CommitStrategy) findBySHA(ctx *store.Context, sha string) (*store.Record, error) {
	q := &store.Query{
		Entity: EntityCommit,
		Filter: func(r *store.Record) bool { return r.Attr(AttrSHA) == sha },
	}
	recs, err := ctx.Execute(q)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}
