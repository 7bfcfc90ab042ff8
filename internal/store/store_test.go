package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpilot/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertCallEvent_CreatesThenMerges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev, err := s.UpsertCallEvent(ctx, CallEventUpdate{
			CallSID:    "CA100",
			Status:     model.CallStatusInitiated,
			Direction:  model.DirectionOutbound,
			FromNumber: "+15550000001",
			ToNumber:   "+15550000002",
		})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusInitiated, ev.Status)
		assert.Equal(t, "+15550000002", ev.ToNumber)

		// A later webhook without numbers must not blank them out.
		ev, err = s.UpsertCallEvent(ctx, CallEventUpdate{
			CallSID: "CA100",
			Status:  model.CallStatusRinging,
		})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusRinging, ev.Status)
		assert.Equal(t, "+15550000001", ev.FromNumber)
		assert.Equal(t, "+15550000002", ev.ToNumber)
	})

	t.Run("UpsertCallEvent_TerminalNeverRegresses", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertCallEvent(ctx, CallEventUpdate{
			CallSID:     "CA200",
			Status:      model.CallStatusCompleted,
			DurationSec: intPtr(42),
		})
		require.NoError(t, err)

		// Out-of-order delivery: a stale in-progress arrives after completion.
		ev, err := s.UpsertCallEvent(ctx, CallEventUpdate{
			CallSID: "CA200",
			Status:  model.CallStatusInProgress,
		})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusCompleted, ev.Status)
		require.NotNil(t, ev.DurationSec)
		assert.Equal(t, 42, *ev.DurationSec)
	})

	t.Run("UpsertCallEvent_ReplayIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		update := CallEventUpdate{
			CallSID:         "CA300",
			Status:          model.CallStatusCompleted,
			FromNumber:      "+15550000001",
			ToNumber:        "+15550000002",
			DurationSec:     intPtr(30),
			CallDurationSec: intPtr(28),
		}
		first, err := s.UpsertCallEvent(ctx, update)
		require.NoError(t, err)

		second, err := s.UpsertCallEvent(ctx, update)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, *first.DurationSec, *second.DurationSec)
	})

	t.Run("InsertTranscript_DedupesOnProviderMessageID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entry := model.TranscriptEntry{
			CallSID:           "CA400",
			Role:              model.RoleUser,
			Content:           "hello there",
			ProviderMessageID: strPtr("item_1"),
		}
		inserted, err := s.InsertTranscript(ctx, entry)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.InsertTranscript(ctx, entry)
		require.NoError(t, err)
		assert.False(t, inserted)

		entries, err := s.ListTranscripts(ctx, "CA400")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("InsertTranscript_NoProviderIDAlwaysAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			inserted, err := s.InsertTranscript(ctx, model.TranscriptEntry{
				CallSID: "CA401",
				Role:    model.RoleAssistant,
				Content: "same words",
			})
			require.NoError(t, err)
			assert.True(t, inserted)
		}

		entries, err := s.ListTranscripts(ctx, "CA401")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("ListTranscripts_OrderedByTimestamp", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Now().UTC().Truncate(time.Second)
		later := model.TranscriptEntry{CallSID: "CA402", Role: model.RoleAssistant, Content: "second", Timestamp: base.Add(2 * time.Second)}
		earlier := model.TranscriptEntry{CallSID: "CA402", Role: model.RoleUser, Content: "first", Timestamp: base}

		_, err := s.InsertTranscript(ctx, later)
		require.NoError(t, err)
		_, err = s.InsertTranscript(ctx, earlier)
		require.NoError(t, err)

		entries, err := s.ListTranscripts(ctx, "CA402")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "first", entries[0].Content)
		assert.Equal(t, "second", entries[1].Content)
	})

	t.Run("Lead_FindAndClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lead, err := s.CreateLead(ctx, model.Lead{Name: "Ada", Phone: "+15551230001"})
		require.NoError(t, err)
		assert.Equal(t, model.LeadStatusNew, lead.Status)

		found, err := s.FindCallableLeadByPhone(ctx, "+15551230001")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, lead.ID, found.ID)

		claimed, err := s.ClaimLeadForCall(ctx, lead.ID, "CA500")
		require.NoError(t, err)
		assert.True(t, claimed)

		// A second claim is a no-op: the lead already carries a SID.
		claimed, err = s.ClaimLeadForCall(ctx, lead.ID, "CA501")
		require.NoError(t, err)
		assert.False(t, claimed)

		linked, err := s.LeadLinkedToCall(ctx, "CA500")
		require.NoError(t, err)
		assert.True(t, linked)

		// Claimed leads are no longer callable.
		found, err = s.FindCallableLeadByPhone(ctx, "+15551230001")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("Lead_CallSIDUniqueAcrossLeads", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateLead(ctx, model.Lead{Name: "A", Phone: "+15551230002"})
		require.NoError(t, err)
		b, err := s.CreateLead(ctx, model.Lead{Name: "B", Phone: "+15551230003"})
		require.NoError(t, err)

		claimed, err := s.ClaimLeadForCall(ctx, a.ID, "CA600")
		require.NoError(t, err)
		assert.True(t, claimed)

		_, err = s.ClaimLeadForCall(ctx, b.ID, "CA600")
		assert.ErrorIs(t, err, ErrCallSIDTaken)
	})

	t.Run("Lead_MarkContacted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lead, err := s.CreateLead(ctx, model.Lead{Name: "C", Phone: "+15551230004"})
		require.NoError(t, err)

		require.NoError(t, s.MarkLeadContacted(ctx, lead.ID, "CA700"))

		found, err := s.LeadLinkedToCall(ctx, "CA700")
		require.NoError(t, err)
		assert.True(t, found)

		err = s.MarkLeadContacted(ctx, "missing-lead", "CA701")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lead not found")
	})

	t.Run("Lead_MarkContactedDuplicateSID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateLead(ctx, model.Lead{Name: "A", Phone: "+15551230005"})
		require.NoError(t, err)
		b, err := s.CreateLead(ctx, model.Lead{Name: "B", Phone: "+15551230006"})
		require.NoError(t, err)

		require.NoError(t, s.MarkLeadContacted(ctx, a.ID, "CA800"))
		assert.ErrorIs(t, s.MarkLeadContacted(ctx, b.ID, "CA800"), ErrCallSIDTaken)
	})

	t.Run("ListCallableLeads_FiltersAndOrders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateLead(ctx, model.Lead{Name: "no phone"})
		require.NoError(t, err)
		contacted, err := s.CreateLead(ctx, model.Lead{Name: "contacted", Phone: "+15551240001"})
		require.NoError(t, err)
		require.NoError(t, s.MarkLeadContacted(ctx, contacted.ID, "CA900"))
		_, err = s.CreateLead(ctx, model.Lead{Name: "medium", Phone: "+15551240002"})
		require.NoError(t, err)
		_, err = s.CreateLead(ctx, model.Lead{Name: "high", Phone: "+15551240003", Priority: model.LeadPriorityHigh})
		require.NoError(t, err)

		leads, err := s.ListCallableLeads(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leads, 2)
		assert.Equal(t, "high", leads[0].Name)
		assert.Equal(t, "medium", leads[1].Name)

		leads, err = s.ListCallableLeads(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, leads, 1)
	})

	t.Run("InsertRecording_IdempotentAndSingleStored", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := model.CallRecording{
			CallSID:      "CA950",
			RecordingSID: "RE1",
			StoragePath:  "recordings/CA950/RE1.wav",
			DurationSec:  intPtr(31),
			Status:       model.RecordingStatusStored,
		}
		inserted, err := s.InsertRecording(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		// Webhook replay with the same recording SID.
		inserted, err = s.InsertRecording(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)

		// A different recording for the same call cannot also be stored.
		dup := rec
		dup.ID = ""
		dup.RecordingSID = "RE2"
		_, err = s.InsertRecording(ctx, dup)
		assert.ErrorIs(t, err, ErrSecondStoredRecording)

		// A failed attempt for the same call is still recorded.
		failed := model.CallRecording{CallSID: "CA950", RecordingSID: "RE3", Status: model.RecordingStatusFailed}
		inserted, err = s.InsertRecording(ctx, failed)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("CountCallsByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, sid := range []string{"CA970", "CA971"} {
			_, err := s.UpsertCallEvent(ctx, CallEventUpdate{
				CallSID: sid,
				Status:  model.CallStatusCompleted,
			})
			require.NoError(t, err)
			_ = i
		}
		_, err := s.UpsertCallEvent(ctx, CallEventUpdate{CallSID: "CA972", Status: model.CallStatusFailed})
		require.NoError(t, err)

		counts, err := s.CountCallsByStatus(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.CallStatusCompleted])
		assert.Equal(t, 1, counts[model.CallStatusFailed])
	})
}

func TestSQLiteStoreSuite(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

// The auth collaborator reads users out of the same database; the
// migrations here own the table.
func TestMigrateCreatesUsersTable(t *testing.T) {
	s := newTestSQLite(t).(*SQLiteStore)
	ctx := context.Background()

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Zero(t, n)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ('u1', 'ops@example.com', 'x')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ('u2', 'ops@example.com', 'y')`)
	require.Error(t, err, "email is unique")
}
