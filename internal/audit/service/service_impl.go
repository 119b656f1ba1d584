package service

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/clock"
	obsctx "github.com/sparlo/metering/internal/observability/context"
	"github.com/sparlo/metering/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record writes one audit entry. The account falls back to the one on the
// request context, and request correlation fields are folded into the
// stored details.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	return s.RecordTx(ctx, s.db, entry)
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		AccountID:  optional(entry.AccountID),
		ActorType:  string(entry.ActorType),
		ActorID:    optional(entry.ActorID),
		Action:     action,
		TargetType: strings.TrimSpace(entry.TargetType),
		TargetID:   optional(entry.TargetID),
		Metadata:   details(ctx, entry.Details),
		IPAddress:  optional(obsctx.ClientIPFromContext(ctx)),
		UserAgent:  optional(obsctx.UserAgentFromContext(ctx)),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if row.AccountID == nil {
		row.AccountID = optional(obsctx.AccountIDFromContext(ctx))
	}
	if strings.TrimSpace(row.ActorType) == "" {
		row.ActorType = string(auditdomain.ActorTypeSystem)
	}
	if row.TargetType == "" {
		row.TargetType = "unknown"
	}

	if err := s.repo.Insert(ctx, tx, &row); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func details(ctx context.Context, in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	maps.Copy(out, in)
	delete(out, "")
	if requestID := obsctx.RequestIDFromContext(ctx); requestID != "" {
		out["request_id"] = requestID
	}
	if workID := obsctx.WorkIDFromContext(ctx); workID != "" {
		out["work_id"] = workID
	}
	return out
}

func (s *Service) List(ctx context.Context, query auditdomain.Query) (auditdomain.Page, error) {
	if query.StartAt != nil && query.EndAt != nil && query.EndAt.Before(*query.StartAt) {
		return auditdomain.Page{}, auditdomain.ErrInvalidTimeRange
	}
	after, err := decodeCursor(query.PageToken)
	if err != nil {
		return auditdomain.Page{}, err
	}

	limit := query.Limit()
	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		AccountID:  query.AccountID,
		Action:     query.Action,
		TargetType: query.TargetType,
		ActorType:  query.ActorType,
		StartAt:    query.StartAt,
		EndAt:      query.EndAt,
		Cursor:     after,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.Page{}, err
	}

	rows, info, err := pagination.BuildCursorPageInfo(rows, limit, func(row *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: row.ID.String(), CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})
	if err != nil {
		return auditdomain.Page{}, err
	}

	page := auditdomain.Page{PageInfo: info, Entries: make([]auditdomain.AuditLog, 0, len(rows))}
	for _, row := range rows {
		if row != nil {
			page.Entries = append(page.Entries, *row)
		}
	}
	return page, nil
}

// decodeCursor returns nil for an empty token.
func decodeCursor(token string) (*auditdomain.AuditCursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	raw, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(raw.ID))
	if err != nil || id == 0 {
		return nil, auditdomain.ErrInvalidPageToken
	}
	return &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt.UTC()}, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
