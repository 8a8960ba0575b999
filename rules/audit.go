package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditRecorder is the single place audit rows are built. Every mutating
// path constructs its row here and hands it to the store, which persists
// row and mutation in one atomic unit — no mutation path can skip the
// audit write.
type AuditRecorder struct {
	now func() time.Time
}

func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{now: time.Now}
}

// RuleCreated builds the audit row for a rule creation. PreviousState is
// nil on create.
func (r *AuditRecorder) RuleCreated(actorID string, rule *Rule) *RuleAudit {
	return &RuleAudit{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		ActorID:       actorRef(actorID),
		ChangeType:    ChangeCreated,
		ChangeSummary: fmt.Sprintf("rule %q created", rule.Name),
		NewState:      snapshot(rule),
		CreatedAt:     r.now(),
	}
}

// RuleUpdated builds the audit row for a rule update, capturing the
// pre-mutation row as PreviousState.
func (r *AuditRecorder) RuleUpdated(actorID string, before, after *Rule) *RuleAudit {
	return &RuleAudit{
		ID:            uuid.NewString(),
		RuleID:        after.ID,
		ActorID:       actorRef(actorID),
		ChangeType:    ChangeUpdated,
		ChangeSummary: fmt.Sprintf("rule %q updated", after.Name),
		PreviousState: snapshot(before),
		NewState:      snapshot(after),
		CreatedAt:     r.now(),
	}
}

// RuleDeleted builds the audit row for a rule deletion. NewState is nil;
// PreviousState holds the last known row.
func (r *AuditRecorder) RuleDeleted(actorID string, before *Rule) *RuleAudit {
	return &RuleAudit{
		ID:            uuid.NewString(),
		RuleID:        before.ID,
		ActorID:       actorRef(actorID),
		ChangeType:    ChangeDeleted,
		ChangeSummary: fmt.Sprintf("rule %q deleted", before.Name),
		PreviousState: snapshot(before),
		CreatedAt:     r.now(),
	}
}

// VersionCreated builds the audit row for a draft version creation.
func (r *AuditRecorder) VersionCreated(actorID string, v *RuleVersion) *RuleAudit {
	versionID := v.ID
	return &RuleAudit{
		ID:            uuid.NewString(),
		RuleID:        v.RuleID,
		RuleVersionID: &versionID,
		ActorID:       actorRef(actorID),
		ChangeType:    ChangeCreated,
		ChangeSummary: fmt.Sprintf("version %d created as draft", v.Version),
		NewState:      snapshot(v),
		CreatedAt:     r.now(),
	}
}

// VersionPublished builds the audit row for a publish transition.
func (r *AuditRecorder) VersionPublished(actorID string, before, after *RuleVersion) *RuleAudit {
	versionID := after.ID
	return &RuleAudit{
		ID:            uuid.NewString(),
		RuleID:        after.RuleID,
		RuleVersionID: &versionID,
		ActorID:       actorRef(actorID),
		ChangeType:    ChangePublished,
		ChangeSummary: fmt.Sprintf("version %d published", after.Version),
		PreviousState: snapshot(before),
		NewState:      snapshot(after),
		CreatedAt:     r.now(),
	}
}

// actorRef maps an empty actor id to nil, marking a system action.
func actorRef(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}

func snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Entities are plain structs; marshalling them does not fail in
		// practice. Record the failure rather than dropping the row.
		return json.RawMessage(fmt.Sprintf(`{"snapshotError":%q}`, err.Error()))
	}
	return data
}
