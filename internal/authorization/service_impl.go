package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/audit/masking"
	"github.com/sparlo/metering/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectUsagePeriod     = "usage_period"
	ObjectUsageAdjustment = "usage_adjustment"
	ObjectAccountTier     = "account_tier"
	ObjectAuditLog        = "audit_log"
)

const (
	ActionUsageAdjustUsed  = "usage.adjust_used"
	ActionUsageAdjustLimit = "usage.adjust_limit"

	ActionUsageAdjustmentView = "usage_adjustment.view"

	ActionAccountTierUpdate = "account_tier.update"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleAdmin   = "role:admin"
	RoleSupport = "role:support"
	RoleViewer  = "role:viewer"
	RoleSystem  = "role:system"
)

const (
	actorSystem         = "system"
	actorOperatorPrefix = "operator:"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
	roles    map[string]string
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
		roles:    operatorRoles(p.Config.Authz),
	}
}

// operatorRoles flattens the configured lists. An operator listed twice keeps
// the most privileged role.
func operatorRoles(cfg config.AuthzConfig) map[string]string {
	roles := map[string]string{}
	assign := func(ids []string, role string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, exists := roles[id]; !exists {
				roles[id] = role
			}
		}
	}
	assign(cfg.AdminOperators, RoleAdmin)
	assign(cfg.SupportOperators, RoleSupport)
	assign(cfg.ViewerOperators, RoleViewer)
	return roles
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, accountID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidAccount
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	who, err := s.resolveActor(actor)
	if err != nil {
		s.auditDecision(ctx, who, accountID, object, action, err)
		return err
	}

	if err := s.ensureGrouping(who.subject, who.role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(who.subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDecision(ctx, who, accountID, object, action, ErrForbidden)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditDecision(ctx, who, accountID, object, action, nil)
	}
	return nil
}

// resolvedActor is the parsed X-Actor value. subject is the casbin subject
// and stays empty for values that do not parse.
type resolvedActor struct {
	raw     string
	subject string
	role    string
	kind    auditdomain.ActorType
	id      string
}

func (s *ServiceImpl) resolveActor(actor string) (resolvedActor, error) {
	who := resolvedActor{raw: actor}
	switch {
	case actor == actorSystem:
		who.subject, who.role, who.kind = actor, RoleSystem, auditdomain.ActorTypeSystem
		return who, nil
	case strings.HasPrefix(actor, actorOperatorPrefix):
		who.id = strings.TrimSpace(strings.TrimPrefix(actor, actorOperatorPrefix))
		if who.id == "" {
			return who, ErrInvalidActor
		}
		who.kind = auditdomain.ActorTypeOperator
		role, ok := s.roles[who.id]
		if !ok {
			return who, ErrForbidden
		}
		who.subject, who.role = actorOperatorPrefix+who.id, role
		return who, nil
	default:
		return who, ErrInvalidActor
	}
}

// label renders the actor for audit details. Values that do not parse are
// masked since they sometimes carry pasted credentials.
func (a resolvedActor) label() string {
	switch a.kind {
	case auditdomain.ActorTypeSystem:
		return actorSystem
	case auditdomain.ActorTypeOperator:
		return actorOperatorPrefix + a.id
	default:
		return masking.Actor(a.raw)
	}
}

// ensureGrouping makes the persisted role link match the configured role, so
// demoting an operator in config takes effect on their next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

// auditDecision records a denial when cause is set and a grant otherwise.
func (s *ServiceImpl) auditDecision(ctx context.Context, who resolvedActor, accountID, object, action string, cause error) {
	entry := auditdomain.Entry{
		AccountID:  accountID,
		ActorType:  who.kind,
		ActorID:    who.id,
		Action:     "authorization.granted",
		TargetType: "authorization",
		TargetID:   "capability",
		Details: map[string]any{
			"object":  object,
			"action":  action,
			"subject": who.label(),
		},
	}
	if cause != nil {
		s.log.Warn("authorization denied",
			zap.String("actor_type", string(who.kind)),
			zap.String("account_id", accountID),
			zap.String("object", object),
			zap.String("action", action),
			zap.Error(cause),
		)
		entry.Action = "authorization.denied"
		entry.Details["reason"] = cause.Error()
		if entry.ActorType == "" {
			entry.ActorType = "unknown"
		}
	}
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, entry)
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAccountTierUpdate, ActionAuditLogView:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{RoleViewer, ObjectUsageAdjustment, ActionUsageAdjustmentView},

		// Support may correct consumption, never raise ceilings
		{RoleSupport, ObjectUsagePeriod, ActionUsageAdjustUsed},
		{RoleSupport, ObjectUsageAdjustment, ActionUsageAdjustmentView},

		// Admin permissions
		{RoleAdmin, ObjectUsagePeriod, ActionUsageAdjustUsed},
		{RoleAdmin, ObjectUsagePeriod, ActionUsageAdjustLimit},
		{RoleAdmin, ObjectUsageAdjustment, ActionUsageAdjustmentView},
		{RoleAdmin, ObjectAccountTier, ActionAccountTierUpdate},
		{RoleAdmin, ObjectAuditLog, ActionAuditLogView},

		// System permissions (billing provider sync)
		{RoleSystem, ObjectAccountTier, ActionAccountTierUpdate},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
