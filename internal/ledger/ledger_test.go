package ledger

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
)

type memRepo struct {
	rows map[[2]uuid.UUID]model.Override
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[[2]uuid.UUID]model.Override{}}
}

func (m *memRepo) InsertOverride(_ context.Context, o model.Override) error {
	key := [2]uuid.UUID{o.SessionID, o.ReportID}
	if _, ok := m.rows[key]; ok {
		return storage.ErrDuplicate
	}
	m.rows[key] = o
	return nil
}

func (m *memRepo) GetOverride(_ context.Context, sessionID, reportID uuid.UUID) (model.Override, error) {
	o, ok := m.rows[[2]uuid.UUID{sessionID, reportID}]
	if !ok {
		return model.Override{}, storage.ErrNotFound
	}
	return o, nil
}

func (m *memRepo) ListOverrides(_ context.Context, sessionID uuid.UUID) ([]model.Override, error) {
	var out []model.Override
	for key, o := range m.rows {
		if key[0] == sessionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func validOverride() model.Override {
	return model.Override{
		SessionID:        uuid.New(),
		ReportID:         uuid.New(),
		Reason:           "customer accepted burn marks on hidden face",
		RiskAcknowledged: true,
		Actor:            "supervisor.lee",
	}
}

func TestAppendAndGet(t *testing.T) {
	l := New(newMemRepo(), nil)
	o := validOverride()

	appended, err := l.Append(context.Background(), o)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if appended.ID == uuid.Nil || appended.CreatedAt.IsZero() {
		t.Fatal("append must assign id and timestamp")
	}

	got, err := l.Get(context.Background(), o.SessionID, o.ReportID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != o.Reason || got.Actor != o.Actor {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAppendSecondOverrideSameDecisionPoint(t *testing.T) {
	l := New(newMemRepo(), nil)
	o := validOverride()

	if _, err := l.Append(context.Background(), o); err != nil {
		t.Fatalf("first append: %v", err)
	}

	o.Reason = "changed my mind about the first reason"
	_, err := l.Append(context.Background(), o)
	if !errors.Is(err, ErrOverrideExists) {
		t.Fatalf("second append error = %v, want ErrOverrideExists", err)
	}

	// The original entry is untouched.
	got, err := l.Get(context.Background(), o.SessionID, o.ReportID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != "customer accepted burn marks on hidden face" {
		t.Fatalf("original override mutated: %q", got.Reason)
	}
}

func TestAppendNewDecisionPointAfterReevaluation(t *testing.T) {
	l := New(newMemRepo(), nil)
	first := validOverride()
	if _, err := l.Append(context.Background(), first); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// A fresh report on the same session is a new decision point.
	second := first
	second.ReportID = uuid.New()
	if _, err := l.Append(context.Background(), second); err != nil {
		t.Fatalf("append on new decision point: %v", err)
	}

	list, err := l.List(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("session ledger has %d entries, want 2", len(list))
	}
}

func TestAppendValidation(t *testing.T) {
	l := New(newMemRepo(), nil)

	cases := []struct {
		name   string
		mutate func(*model.Override)
	}{
		{"empty reason", func(o *model.Override) { o.Reason = "   " }},
		{"unacknowledged risk", func(o *model.Override) { o.RiskAcknowledged = false }},
		{"missing actor", func(o *model.Override) { o.Actor = "" }},
		{"missing session", func(o *model.Override) { o.SessionID = uuid.Nil }},
		{"missing report", func(o *model.Override) { o.ReportID = uuid.Nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOverride()
			tc.mutate(&o)
			if _, err := l.Append(context.Background(), o); err == nil {
				t.Fatal("append accepted an invalid override")
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	l := New(newMemRepo(), nil)
	_, err := l.Get(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing override error = %v, want ErrNotFound", err)
	}
}
